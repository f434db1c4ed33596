// Package lro fetches Resource Manager operations over the
// google.longrunning.Operations gRPC service.
package lro

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	"golang.org/x/oauth2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/credentials/oauth"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/yairfalse/tagops/internal/operation"
)

// Fetcher reads operations/{id} names through gRPC and hands every other
// name to the fallback fetcher. The connection reaches the global endpoint
// only, so operations polled while a regional location is active also go to
// the fallback.
type Fetcher struct {
	client   longrunningpb.OperationsClient
	fallback operation.Fetcher
	location func() string
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithActiveLocation reports the regional location currently in effect.
// A non-empty result routes every fetch to the fallback.
func WithActiveLocation(fn func() string) Option {
	return func(f *Fetcher) { f.location = fn }
}

// NewFetcher creates a fetcher on conn. fallback may be nil.
func NewFetcher(conn grpc.ClientConnInterface, fallback operation.Fetcher, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   longrunningpb.NewOperationsClient(conn),
		fallback: fallback,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the current state of the named operation.
func (f *Fetcher) Fetch(ctx context.Context, name string) (*operation.Operation, error) {
	if f.regional() {
		if f.fallback == nil {
			return nil, operation.Validation("operation %s lives on a regional endpoint that gRPC polling cannot reach", name)
		}
		return f.fallback.Fetch(ctx, name)
	}
	if !strings.HasPrefix(name, "operations/") {
		if f.fallback == nil {
			return nil, operation.InvalidName(name, "only operations/ID names are served over gRPC")
		}
		return f.fallback.Fetch(ctx, name)
	}

	pb, err := f.client.GetOperation(ctx, &longrunningpb.GetOperationRequest{Name: name})
	if err != nil {
		return nil, classify(err)
	}
	return FromProto(pb)
}

func (f *Fetcher) regional() bool {
	return f.location != nil && f.location() != ""
}

// FromProto converts a wire operation. Any payloads are kept opaque as
// {"@type": ..., "value": <base64>}.
func FromProto(pb *longrunningpb.Operation) (*operation.Operation, error) {
	op := &operation.Operation{Name: pb.GetName(), Done: pb.GetDone()}

	var err error
	if op.Metadata, err = anyJSON(pb.GetMetadata()); err != nil {
		return nil, err
	}

	switch result := pb.GetResult().(type) {
	case *longrunningpb.Operation_Response:
		if op.Response, err = anyJSON(result.Response); err != nil {
			return nil, err
		}
	case *longrunningpb.Operation_Error:
		st := status.FromProto(result.Error)
		op.Error = &operation.Status{Code: st.Code(), Message: st.Message()}
		for _, d := range result.Error.GetDetails() {
			raw, err := anyJSON(d)
			if err != nil {
				return nil, err
			}
			op.Error.Details = append(op.Error.Details, raw)
		}
	}
	return op, nil
}

type anyPayload struct {
	Type  string `json:"@type"`
	Value []byte `json:"value,omitempty"`
}

func anyJSON(a *anypb.Any) (json.RawMessage, error) {
	if a == nil {
		return nil, nil
	}
	raw, err := json.Marshal(anyPayload{Type: a.GetTypeUrl(), Value: a.GetValue()})
	if err != nil {
		return nil, operation.Transport(fmt.Errorf("encode %s: %w", a.GetTypeUrl(), err))
	}
	return raw, nil
}

// classify maps a gRPC call error to an operation error category.
func classify(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return operation.Transport(err)
	}
	return operation.FromCode(st.Code(), st.Message(), nil)
}

// Dial opens a connection to target. ts adds per-RPC OAuth credentials on
// TLS connections; plaintext skips TLS and credentials.
func Dial(target string, ts oauth2.TokenSource, plaintext bool) (*grpc.ClientConn, error) {
	var opts []grpc.DialOption
	if plaintext {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	if ts != nil && !plaintext {
		opts = append(opts, grpc.WithPerRPCCredentials(oauth.TokenSource{TokenSource: ts}))
	}

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return conn, nil
}
