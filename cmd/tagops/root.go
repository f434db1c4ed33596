package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/grpc"

	"github.com/yairfalse/tagops/internal/api"
	"github.com/yairfalse/tagops/internal/api/lro"
	"github.com/yairfalse/tagops/internal/config"
	"github.com/yairfalse/tagops/internal/namecache"
	"github.com/yairfalse/tagops/internal/naming"
	"github.com/yairfalse/tagops/internal/operation"
	"github.com/yairfalse/tagops/internal/orchestrator"
	"github.com/yairfalse/tagops/internal/policy"
	"github.com/yairfalse/tagops/internal/printer"
	"github.com/yairfalse/tagops/internal/telemetry"
)

var version = "0.1.0"

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath   string
	project      string
	releaseTrack string
	format       string
	verbosity    string
	logFormat    string
}

// app holds the collaborators built once per invocation.
type app struct {
	stdout io.Writer
	stderr io.Writer
	opts   globalOptions

	cfg          *config.Config
	invocationID string
	logger       zerolog.Logger
	telemetry    *telemetry.Provider
	endpoints    *api.Endpoints
	client       *api.Client
	fetcher      operation.Fetcher
	guard        *policy.Guard
	cache        *namecache.Cache
	conn         *grpc.ClientConn
	printer      printer.Printer
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr, logger: zerolog.Nop()}
}

// newRootCmd creates the tagops command tree.
func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tagops",
		Short: "Manage resource tags and artifact exports",
		Long: `tagops manages resource tags (tag values, tag bindings, effective tags)
and Artifact Registry tag exports.

Mutating commands return a long-running operation. By default tagops waits
for the operation to finish; --async prints the operation name instead so
it can be resumed later with "tagops operations wait".`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return operation.Validation("%v", err)
	})

	pf := cmd.PersistentFlags()
	pf.StringVar(&a.opts.configPath, "config", "", "Path to the config file (default $"+config.EnvConfigPath+" or ~/.config/tagops/config.yaml)")
	pf.StringVar(&a.opts.project, "project", "", "Project ID, overrides the config file")
	pf.StringVar(&a.opts.releaseTrack, "release-track", "", "Release track: ga or alpha")
	pf.StringVar(&a.opts.format, "format", "yaml", "Output format: "+strings.Join(printer.Formats(), " or "))
	pf.StringVar(&a.opts.verbosity, "verbosity", "", "Log level: debug, info, warn, error")
	pf.StringVar(&a.opts.logFormat, "log-format", "", "Log format: console or json")

	cmd.AddCommand(newTagsCmd(a))
	cmd.AddCommand(newArtifactsCmd(a))
	cmd.AddCommand(newOperationsCmd(a))

	return cmd
}

// setup loads configuration and builds the clients.
func (a *app) setup(ctx context.Context) error {
	cfg, path, err := config.Resolve(a.opts.configPath)
	if err != nil {
		return operation.Validation("%v", err)
	}
	if err := a.applyFlags(cfg); err != nil {
		return err
	}
	a.cfg = cfg

	a.invocationID = uuid.NewString()
	a.logger, err = telemetry.NewLogger(cfg.Log, a.stderr, a.invocationID)
	if err != nil {
		return operation.Validation("%v", err)
	}
	a.logger.Debug().Str("config", path).Str("release_track", cfg.ReleaseTrack).Msg("configuration loaded")

	a.printer, err = printer.New(a.opts.format)
	if err != nil {
		return operation.Validation("%v", err)
	}

	a.telemetry, err = telemetry.NewProvider(ctx, cfg.OTEL, telemetry.WithGrouping("invocation_id", a.invocationID))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	httpClient, err := a.httpClient(ctx)
	if err != nil {
		return err
	}

	endpointOpts := []api.EndpointOption{
		api.WithResourceManager(cfg.API.ResourceManagerEndpoint),
		api.WithArtifactRegistry(cfg.API.ArtifactRegistryEndpoint),
	}
	if cfg.API.RegionalEndpoint != "" {
		endpointOpts = append(endpointOpts, api.WithRegionalResolver(cfg.API.RegionalURL))
	}
	a.endpoints = api.NewEndpoints(cfg.API.UniverseDomain, endpointOpts...)

	a.client = api.New(a.endpoints,
		api.WithHTTPClient(httpClient),
		api.WithUserAgent(fmt.Sprintf("tagops/%s invocation-id/%s", version, a.invocationID)),
		api.WithLogger(a.logger.With().Str("component", "api").Logger()),
		api.WithRecorder(a.telemetry),
	)
	a.fetcher = a.client

	if cfg.API.OperationsTransport == "grpc" {
		if err := a.dialOperations(ctx); err != nil {
			return err
		}
	}

	if cfg.Policy.File != "" {
		a.guard, err = policy.LoadFile(ctx, cfg.Policy.File, a.logger)
		if err != nil {
			return operation.Validation("%v", err)
		}
	}

	if cfg.Cache.Path != "" {
		a.openCache()
	}
	return nil
}

func (a *app) applyFlags(cfg *config.Config) error {
	if a.opts.project != "" {
		cfg.Project = a.opts.project
	}
	if a.opts.releaseTrack != "" {
		cfg.ReleaseTrack = a.opts.releaseTrack
	}
	if a.opts.verbosity != "" {
		cfg.Log.Level = a.opts.verbosity
	}
	if a.opts.logFormat != "" {
		cfg.Log.Format = a.opts.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return operation.Validation("%v", err)
	}
	return nil
}

func (a *app) httpClient(ctx context.Context) (*http.Client, error) {
	if a.cfg.API.Credentials == "none" {
		return &http.Client{Timeout: a.cfg.API.Timeout}, nil
	}
	hc, err := google.DefaultClient(ctx, cloudPlatformScope)
	if err != nil {
		return nil, operation.Transport(fmt.Errorf("load application default credentials: %w", err))
	}
	hc.Timeout = a.cfg.API.Timeout
	return hc, nil
}

// dialOperations routes Resource Manager operation polls over gRPC. Other
// operation names still go through the REST client.
func (a *app) dialOperations(ctx context.Context) error {
	target := a.cfg.API.OperationsEndpoint
	if target == "" {
		target = "cloudresourcemanager." + a.cfg.API.UniverseDomain + ":443"
	}

	var ts oauth2.TokenSource
	plaintext := a.cfg.API.Credentials == "none"
	if !plaintext {
		var err error
		ts, err = google.DefaultTokenSource(ctx, cloudPlatformScope)
		if err != nil {
			return operation.Transport(fmt.Errorf("load application default credentials: %w", err))
		}
	}

	conn, err := lro.Dial(target, ts, plaintext)
	if err != nil {
		return operation.Transport(err)
	}
	a.conn = conn
	a.fetcher = lro.NewFetcher(conn, a.client, lro.WithActiveLocation(a.endpoints.Location))
	a.logger.Debug().Str("target", target).Msg("polling operations over grpc")
	return nil
}

func (a *app) openCache() {
	cache, err := namecache.Open(a.cfg.Cache.Path, a.cfg.Cache.TTL)
	if err != nil {
		a.logger.Warn().Err(err).Str("path", a.cfg.Cache.Path).Msg("name cache disabled")
		return
	}
	if pruned, err := cache.Prune(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to prune name cache")
	} else if pruned > 0 {
		a.logger.Debug().Int("entries", pruned).Msg("pruned name cache")
	}
	a.cache = cache
}

// close releases everything setup opened. It is safe to call when setup
// never ran or failed halfway.
func (a *app) close() {
	if a.client != nil {
		if err := a.client.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close api client")
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close name cache")
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close grpc connection")
		}
	}
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("failed to flush telemetry")
		}
	}
}

func (a *app) waiter(cfg operation.Config) *operation.Waiter {
	return operation.NewWaiter(a.fetcher, cfg,
		operation.WithLogger(a.logger.With().Str("component", "waiter").Logger()),
		operation.WithRecorder(a.telemetry),
	)
}

func (a *app) capabilities() orchestrator.Capabilities {
	return orchestrator.CapabilitiesFor(a.cfg.ReleaseTrack)
}

func (a *app) orchestrator() *orchestrator.Orchestrator {
	opts := []orchestrator.Option{
		orchestrator.WithStatus(a.stderr),
		orchestrator.WithLogger(a.logger),
		orchestrator.WithCapabilities(a.capabilities()),
	}
	if a.guard != nil {
		opts = append(opts, orchestrator.WithGuard(a.guard))
	}
	return orchestrator.New(a.client, a.waiter(a.cfg.Wait.WaiterConfig()), opts...)
}

func (a *app) parentResolver() *naming.ParentResolver {
	opts := []naming.ResolverOption{naming.WithLogger(a.logger)}
	if a.cache != nil {
		opts = append(opts, naming.WithCache(a.cache))
	}
	return naming.NewParentResolver(a.client, opts...)
}

// printResult prints the response of a finished operation, or the
// operation itself when it carries no response.
func (a *app) printResult(op *operation.Operation) error {
	if op.Done && len(op.Response) > 0 {
		return a.printer.PrintObj(op.Response, a.stdout)
	}
	return a.printer.PrintObj(op, a.stdout)
}

// responseName returns the name field of an operation response.
func responseName(op *operation.Operation) string {
	var r struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(op.Response, &r); err != nil || r.Name == "" {
		return op.Name
	}
	return r.Name
}

func requireFlag(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return operation.Validation("--%s is required", name)
	}
	return nil
}

// exactArgs is cobra.ExactArgs with usage errors categorized as validation.
func exactArgs(n int, names ...string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) == n {
			return nil
		}
		if len(args) < n && len(names) >= n {
			return operation.Validation("argument %s is required", strings.Join(names[len(args):n], " "))
		}
		return operation.Validation("accepts %d arg(s), received %d", n, len(args))
	}
}
