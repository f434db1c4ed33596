// Package api is the client for the Resource Manager and Artifact Registry
// APIs. Tag keys, tag values and tag bindings go through the generated
// Resource Manager v3 clients; the surfaces those clients lack are plain REST.
// Every error it returns carries an operation error category.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"

	"github.com/yairfalse/tagops/internal/operation"
	"github.com/yairfalse/tagops/internal/request"
)

// Recorder receives per-request metrics.
type Recorder interface {
	RecordAPIRequest(ctx context.Context, method, code string)
}

type nopRecorder struct{}

func (nopRecorder) RecordAPIRequest(context.Context, string, string) {}

// Client talks to the Resource Manager and Artifact Registry APIs. Close
// releases the generated clients it builds on first use.
type Client struct {
	httpClient *http.Client
	endpoints  *Endpoints
	userAgent  string
	logger     zerolog.Logger
	recorder   Recorder
	tracer     trace.Tracer

	mu sync.Mutex
	rm map[string]*rmClients
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. Authentication is the HTTP client's
// job, typically an oauth2 transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithUserAgent sets the User-Agent header sent on every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// New creates a client for endpoints.
func New(endpoints *Endpoints, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		endpoints:  endpoints,
		userAgent:  "tagops",
		logger:     zerolog.Nop(),
		recorder:   nopRecorder{},
		tracer:     otel.Tracer("tagops/api"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoints returns the endpoints the client resolves URLs against.
func (c *Client) Endpoints() *Endpoints {
	return c.endpoints
}

// Submit sends a mutation and returns the operation handle.
func (c *Client) Submit(ctx context.Context, r request.Request) (*operation.Operation, error) {
	var (
		op  = &operation.Operation{}
		err error
	)
	switch r := r.(type) {
	case request.CreateTagValue:
		op, err = c.createTagValue(ctx, r)
	case request.UpdateTagBindings:
		body := TagBindingCollection{
			Name:             r.Collection(),
			FullResourceName: r.FullResourceName(),
			Etag:             r.Etag(),
			Tags:             r.Tags(),
		}
		q := url.Values{"updateMask": {r.UpdateMask()}}
		err = c.do(ctx, "tagBindingCollections.patch", http.MethodPatch,
			c.crmURL(r.Collection(), q), body, op)
	case request.ExportArtifact:
		body := exportBody{SourceTag: r.SourceTag(), GCSPath: r.GCSPath()}
		err = c.do(ctx, "repositories.exportArtifact", http.MethodPost,
			c.arURL(r.Repository()+":exportArtifact", nil), body, op)
	default:
		return nil, operation.Validation("unsupported request %T", r)
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", r.Kind(), r.Target(), err)
	}
	if op.Name == "" {
		return nil, operation.Transport(fmt.Errorf("%s %s: server returned an operation without a name", r.Kind(), r.Target()))
	}

	c.logger.Debug().Ctx(ctx).
		Str("kind", r.Kind()).
		Str("target", r.Target()).
		Str("operation", op.Name).
		Bool("done", op.Done).
		Msg("request submitted")
	return op, nil
}

// Fetch returns the current state of an operation. Resource Manager names
// look like operations/{id}; Artifact Registry names look like
// projects/{p}/locations/{l}/operations/{id}.
func (c *Client) Fetch(ctx context.Context, name string) (*operation.Operation, error) {
	var target string
	switch {
	case strings.HasPrefix(name, "operations/"):
		target = c.crmURL(name, nil)
	case strings.HasPrefix(name, "projects/") && strings.Contains(name, "/operations/"):
		target = c.arURL(name, nil)
	default:
		return nil, operation.InvalidName(name, "expected operations/ID or projects/PROJECT/locations/LOCATION/operations/ID")
	}

	var op operation.Operation
	if err := c.do(ctx, "operations.get", http.MethodGet, target, nil, &op); err != nil {
		return nil, err
	}
	if op.Name == "" {
		op.Name = name
	}
	return &op, nil
}

func (c *Client) crmURL(path string, q url.Values) string {
	return buildURL(c.endpoints.ResourceManager(), "v3/"+path, q)
}

func (c *Client) arURL(path string, q url.Values) string {
	return buildURL(c.endpoints.ArtifactRegistry(), "v1/"+path, q)
}

func buildURL(base, path string, q url.Values) string {
	u := base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// do performs one JSON request. in may be nil; out receives the decoded body.
func (c *Client) do(ctx context.Context, method, httpMethod, target string, in, out any) error {
	return c.observe(ctx, method, httpMethod, target, func(ctx context.Context) error {
		return c.roundTrip(ctx, httpMethod, target, in, out)
	})
}

// observe wraps one API call in a client span, a request metric and a debug
// event. fn must return a categorized error.
func (c *Client) observe(ctx context.Context, method, httpMethod, target string, fn func(ctx context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, "api."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", httpMethod),
			attribute.String("url.full", target),
		))
	defer span.End()

	err := fn(ctx)
	code := codeOf(err)
	c.recorder.RecordAPIRequest(ctx, method, code)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, code)
	}

	c.logger.Debug().Ctx(ctx).
		Str("method", method).
		Str("url", target).
		Str("code", code).
		Msg("api request")
	return err
}

func (c *Client) roundTrip(ctx context.Context, httpMethod, target string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return operation.Validation("encode request: %v", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, target, body)
	if err != nil {
		return operation.Transport(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return operation.Transport(fmt.Errorf("failed to execute request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return operation.Transport(fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func codeOf(err error) string {
	if err == nil {
		return codes.OK.String()
	}
	var opErr *operation.Error
	if errors.As(err, &opErr) && opErr.Code != codes.OK {
		return opErr.Code.String()
	}
	if errors.Is(err, operation.ErrTransport) {
		return codes.Unavailable.String()
	}
	return codes.Unknown.String()
}
