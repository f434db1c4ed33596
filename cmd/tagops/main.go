// tagops - resource tags and artifact exports from the command line.
// Submit. Wait. Done.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/oklog/run"

	"github.com/yairfalse/tagops/internal/operation"
)

// Exit codes by error category.
const (
	exitOK              = 0
	exitError           = 1
	exitValidation      = 2
	exitNotFound        = 3
	exitTransport       = 4
	exitOperationFailed = 5
	exitTimeout         = 6
	exitInterrupted     = 130
)

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs one invocation next to a signal handler. Whichever finishes
// first interrupts the other. A command that was cut short by a signal still
// reports its own error, so an interrupted wait exits as a timeout.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := newApp(stdout, stderr)
	defer a.close()

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	cmdCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var cmdErr error
	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	g.Add(func() error {
		cmdErr = root.ExecuteContext(cmdCtx)
		return cmdErr
	}, func(error) {
		cancel()
	})

	err := g.Run()
	if errors.Is(err, run.ErrSignal) {
		if cmdErr == nil {
			fmt.Fprintf(stderr, "ERROR: %s\n", err)
			return exitInterrupted
		}
		err = cmdErr
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: (%s) %s\n", operation.Category(err), err)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	switch operation.Category(err) {
	case "":
		return exitOK
	case "validation":
		return exitValidation
	case "not found":
		return exitNotFound
	case "transport":
		return exitTransport
	case "operation failed":
		return exitOperationFailed
	case "timeout":
		return exitTimeout
	default:
		return exitError
	}
}
