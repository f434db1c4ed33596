// Package operation models long-running server operations and waits for
// them to reach a terminal state.
package operation

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/codes"
)

// Operation is a server-tracked handle to a long-running mutation.
// The client never creates one, it only references it by name.
type Operation struct {
	Name     string          `json:"name"`
	Done     bool            `json:"done,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    *Status         `json:"error,omitempty"`
}

// Status is the error payload of a finished operation.
type Status struct {
	Code    codes.Code        `json:"code"`
	Message string            `json:"message,omitempty"`
	Details []json.RawMessage `json:"details,omitempty"`
}

func (s *Status) String() string {
	return fmt.Sprintf("%s: %s", s.Code, s.Message)
}

// Succeeded reports whether the operation is done without an error payload.
func (o *Operation) Succeeded() bool {
	return o.Done && o.Error == nil
}

// Failed reports whether the operation is done with an error payload.
func (o *Operation) Failed() bool {
	return o.Done && o.Error != nil
}

// Fetcher returns the current status of an operation by name.
type Fetcher interface {
	Fetch(ctx context.Context, name string) (*Operation, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, name string) (*Operation, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, name string) (*Operation, error) {
	return f(ctx, name)
}

// State is the waiter state of an operation.
type State int

const (
	StatePending State = iota
	StateSucceeded
	StateFailed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateFailed:
		return "FAILED"
	case StateTimedOut:
		return "TIMED_OUT"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
