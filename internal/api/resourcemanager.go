package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"

	resourcemanager "cloud.google.com/go/resourcemanager/apiv3"
	"cloud.google.com/go/resourcemanager/apiv3/resourcemanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/yairfalse/tagops/internal/operation"
	"github.com/yairfalse/tagops/internal/request"
)

// rmClients are the generated Resource Manager v3 REST clients bound to one
// base URL.
type rmClients struct {
	tagKeys     *resourcemanager.TagKeysClient
	tagValues   *resourcemanager.TagValuesClient
	tagBindings *resourcemanager.TagBindingsClient
}

func (r *rmClients) close() error {
	return errors.Join(r.tagKeys.Close(), r.tagValues.Close(), r.tagBindings.Close())
}

// noRetry leaves retrying to the operation waiter.
var noRetry = gax.WithRetry(func() gax.Retryer { return nil })

// resourceManager returns the generated clients for the current Resource
// Manager endpoint. Clients are built once per base URL, so a regional
// override gets its own set.
func (c *Client) resourceManager(ctx context.Context) (*rmClients, error) {
	base := strings.TrimSuffix(c.endpoints.ResourceManager(), "/")

	c.mu.Lock()
	defer c.mu.Unlock()
	if rm, ok := c.rm[base]; ok {
		return rm, nil
	}

	ctx = context.WithoutCancel(ctx)
	opts := []option.ClientOption{
		option.WithEndpoint(base),
		option.WithHTTPClient(c.rmHTTPClient()),
	}
	tagKeys, err := resourcemanager.NewTagKeysRESTClient(ctx, opts...)
	if err != nil {
		return nil, operation.Transport(fmt.Errorf("create tag keys client: %w", err))
	}
	tagValues, err := resourcemanager.NewTagValuesRESTClient(ctx, opts...)
	if err != nil {
		_ = tagKeys.Close()
		return nil, operation.Transport(fmt.Errorf("create tag values client: %w", err))
	}
	tagBindings, err := resourcemanager.NewTagBindingsRESTClient(ctx, opts...)
	if err != nil {
		_ = tagKeys.Close()
		_ = tagValues.Close()
		return nil, operation.Transport(fmt.Errorf("create tag bindings client: %w", err))
	}

	rm := &rmClients{tagKeys: tagKeys, tagValues: tagValues, tagBindings: tagBindings}
	if c.rm == nil {
		c.rm = make(map[string]*rmClients)
	}
	c.rm[base] = rm
	return rm, nil
}

// rmHTTPClient shares the caller's transport and timeout. The generated
// clients never set User-Agent when handed an HTTP client, so the transport
// does it.
func (c *Client) rmHTTPClient() *http.Client {
	next := c.httpClient.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	return &http.Client{
		Transport: userAgentTransport{next: next, userAgent: c.userAgent},
		Timeout:   c.httpClient.Timeout,
	}
}

type userAgentTransport struct {
	next      http.RoundTripper
	userAgent string
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.next.RoundTrip(req)
}

// Close releases the generated clients.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for base, rm := range c.rm {
		errs = append(errs, rm.close())
		delete(c.rm, base)
	}
	return errors.Join(errs...)
}

// createTagValue submits through the generated client. A server that
// finishes at once returns a done operation carrying the tag value or the
// failure status.
func (c *Client) createTagValue(ctx context.Context, r request.CreateTagValue) (*operation.Operation, error) {
	rm, err := c.resourceManager(ctx)
	if err != nil {
		return nil, err
	}

	var lro *resourcemanager.CreateTagValueOperation
	err = c.observe(ctx, "tagValues.create", http.MethodPost, c.crmURL("tagValues", nil), func(ctx context.Context) error {
		var err error
		lro, err = rm.tagValues.CreateTagValue(ctx, &resourcemanagerpb.CreateTagValueRequest{
			TagValue: &resourcemanagerpb.TagValue{
				Parent:      r.Parent(),
				ShortName:   r.ShortName(),
				Description: r.Description(),
			},
		}, noRetry)
		return classify(err)
	})
	if err != nil {
		return nil, err
	}

	op := &operation.Operation{Name: lro.Name(), Done: lro.Done()}
	if !op.Done {
		return op, nil
	}

	// Poll makes no call once the operation is done.
	value, err := lro.Poll(ctx)
	if err != nil {
		st := status.Convert(err)
		op.Error = &operation.Status{Code: st.Code(), Message: st.Message()}
		return op, nil
	}
	if op.Response, err = protojson.Marshal(value); err != nil {
		return nil, operation.Transport(fmt.Errorf("encode tag value: %w", err))
	}
	return op, nil
}

// listing ranges over a generated iterator inside one client span. Every
// range opens a fresh listing.
func listing[P, T any](ctx context.Context, c *Client, method, path, parent string,
	open func(ctx context.Context, rm *rmClients) Iterator[P], convert func(P) T,
) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		target := c.crmURL(path, url.Values{"parent": {parent}})
		err := c.observe(ctx, method, http.MethodGet, target, func(ctx context.Context) error {
			rm, err := c.resourceManager(ctx)
			if err != nil {
				return err
			}
			for item, err := range Iterate(open(ctx, rm)) {
				if err != nil {
					return classify(err)
				}
				if !yield(convert(item), nil) {
					return nil
				}
			}
			return nil
		})
		if err != nil {
			var zero T
			yield(zero, err)
		}
	}
}

// classify maps an error from a generated client to an operation error
// category. REST failures carry the Google error envelope; the gRPC status
// name in it wins over the HTTP status.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var opErr *operation.Error
	if errors.As(err, &opErr) {
		return err
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		code := codeForHTTPStatus(apiErr.Code)
		msg := apiErr.Message

		var body errorBody
		if json.Unmarshal([]byte(apiErr.Body), &body) == nil {
			if body.Error.Status != codes.OK {
				code = body.Error.Status
			}
			if body.Error.Message != "" {
				msg = body.Error.Message
			}
		}
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", apiErr.Code)
			if apiErr.Body != "" {
				msg = fmt.Sprintf("%s: %s", msg, apiErr.Body)
			}
		}
		return operation.FromCode(code, msg, nil)
	}

	if st, ok := status.FromError(err); ok {
		return operation.FromCode(st.Code(), st.Message(), nil)
	}
	return operation.Transport(err)
}

func tagKeyFromProto(pb *resourcemanagerpb.TagKey) *TagKey {
	return &TagKey{
		Name:           pb.GetName(),
		Parent:         pb.GetParent(),
		ShortName:      pb.GetShortName(),
		NamespacedName: pb.GetNamespacedName(),
		Description:    pb.GetDescription(),
		Etag:           pb.GetEtag(),
	}
}

func tagValueFromProto(pb *resourcemanagerpb.TagValue) *TagValue {
	return &TagValue{
		Name:           pb.GetName(),
		Parent:         pb.GetParent(),
		ShortName:      pb.GetShortName(),
		NamespacedName: pb.GetNamespacedName(),
		Description:    pb.GetDescription(),
		Etag:           pb.GetEtag(),
	}
}

func tagBindingFromProto(pb *resourcemanagerpb.TagBinding) TagBinding {
	return TagBinding{
		Name:                   pb.GetName(),
		Parent:                 pb.GetParent(),
		TagValue:               pb.GetTagValue(),
		TagValueNamespacedName: pb.GetTagValueNamespacedName(),
	}
}

func effectiveTagFromProto(pb *resourcemanagerpb.EffectiveTag) EffectiveTag {
	return EffectiveTag{
		TagValue:           pb.GetTagValue(),
		NamespacedTagValue: pb.GetNamespacedTagValue(),
		TagKey:             pb.GetTagKey(),
		NamespacedTagKey:   pb.GetNamespacedTagKey(),
		TagKeyParentName:   pb.GetTagKeyParentName(),
		Inherited:          pb.GetInherited(),
	}
}
