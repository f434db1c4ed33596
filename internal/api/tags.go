package api

import (
	"context"
	"iter"
	"net/http"
	"net/url"

	"cloud.google.com/go/resourcemanager/apiv3/resourcemanagerpb"
)

// TagKey is a Resource Manager tag key.
type TagKey struct {
	Name           string `json:"name"`
	Parent         string `json:"parent,omitempty"`
	ShortName      string `json:"shortName,omitempty"`
	NamespacedName string `json:"namespacedName,omitempty"`
	Description    string `json:"description,omitempty"`
	Etag           string `json:"etag,omitempty"`
}

// TagValue is a Resource Manager tag value.
type TagValue struct {
	Name           string `json:"name"`
	Parent         string `json:"parent,omitempty"`
	ShortName      string `json:"shortName,omitempty"`
	NamespacedName string `json:"namespacedName,omitempty"`
	Description    string `json:"description,omitempty"`
	Etag           string `json:"etag,omitempty"`
}

// TagBinding attaches a tag value to a resource.
type TagBinding struct {
	Name                   string `json:"name,omitempty"`
	Parent                 string `json:"parent"`
	TagValue               string `json:"tagValue"`
	TagValueNamespacedName string `json:"tagValueNamespacedName,omitempty"`
}

// EffectiveTag is a tag bound to a resource directly or through inheritance.
type EffectiveTag struct {
	TagValue           string `json:"tagValue"`
	NamespacedTagValue string `json:"namespacedTagValue,omitempty"`
	TagKey             string `json:"tagKey"`
	NamespacedTagKey   string `json:"namespacedTagKey,omitempty"`
	TagKeyParentName   string `json:"tagKeyParentName,omitempty"`
	Inherited          bool   `json:"inherited,omitempty"`
}

// TagBindingCollection is the full set of key/value tags bound to one
// resource, including freeform tags.
type TagBindingCollection struct {
	Name             string            `json:"name,omitempty"`
	FullResourceName string            `json:"fullResourceName,omitempty"`
	Etag             string            `json:"etag,omitempty"`
	Tags             map[string]string `json:"tags"`
}

// EffectiveTagBindingCollection is the set of tags in effect on a resource.
type EffectiveTagBindingCollection struct {
	Name             string            `json:"name,omitempty"`
	FullResourceName string            `json:"fullResourceName,omitempty"`
	EffectiveTags    map[string]string `json:"effectiveTags"`
}

// Tag binding collections exist only on the alpha surface, which has no
// generated client, so they stay on plain REST.

// GetTagBindingCollection reads locations/{l}/tagBindingCollections/{id}.
// name must already be escaped.
func (c *Client) GetTagBindingCollection(ctx context.Context, name string) (*TagBindingCollection, error) {
	var out TagBindingCollection
	if err := c.do(ctx, "tagBindingCollections.get", http.MethodGet, c.crmURL(name, nil), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetEffectiveTagBindingCollection reads
// locations/{l}/effectiveTagBindingCollections/{id}. name must already be
// escaped.
func (c *Client) GetEffectiveTagBindingCollection(ctx context.Context, name string) (*EffectiveTagBindingCollection, error) {
	var out EffectiveTagBindingCollection
	if err := c.do(ctx, "effectiveTagBindingCollections.get", http.MethodGet, c.crmURL(name, nil), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTagBindings lists the tag bindings directly attached to parent.
// pageSize 0 leaves the page size to the server.
func (c *Client) ListTagBindings(ctx context.Context, parent string, pageSize int) iter.Seq2[TagBinding, error] {
	return listing(ctx, c, "tagBindings.list", "tagBindings", parent,
		func(ctx context.Context, rm *rmClients) Iterator[*resourcemanagerpb.TagBinding] {
			return rm.tagBindings.ListTagBindings(ctx, &resourcemanagerpb.ListTagBindingsRequest{
				Parent:   parent,
				PageSize: int32(pageSize),
			}, noRetry)
		}, tagBindingFromProto)
}

// ListEffectiveTags lists every tag in effect on parent, inherited ones
// included.
func (c *Client) ListEffectiveTags(ctx context.Context, parent string, pageSize int) iter.Seq2[EffectiveTag, error] {
	return listing(ctx, c, "effectiveTags.list", "effectiveTags", parent,
		func(ctx context.Context, rm *rmClients) Iterator[*resourcemanagerpb.EffectiveTag] {
			return rm.tagBindings.ListEffectiveTags(ctx, &resourcemanagerpb.ListEffectiveTagsRequest{
				Parent:   parent,
				PageSize: int32(pageSize),
			}, noRetry)
		}, effectiveTagFromProto)
}

// LookupNamespacedTagKey resolves {parent}/{key short name} to a TagKey.
func (c *Client) LookupNamespacedTagKey(ctx context.Context, namespacedName string) (*TagKey, error) {
	rm, err := c.resourceManager(ctx)
	if err != nil {
		return nil, err
	}
	var out *TagKey
	target := c.crmURL("tagKeys/namespaced", url.Values{"name": {namespacedName}})
	err = c.observe(ctx, "tagKeys.getNamespaced", http.MethodGet, target, func(ctx context.Context) error {
		pb, err := rm.tagKeys.GetNamespacedTagKey(ctx,
			&resourcemanagerpb.GetNamespacedTagKeyRequest{Name: namespacedName}, noRetry)
		if err != nil {
			return classify(err)
		}
		out = tagKeyFromProto(pb)
		return nil
	})
	return out, err
}

// LookupNamespacedTagValue resolves {parent}/{key}/{value} to a TagValue.
func (c *Client) LookupNamespacedTagValue(ctx context.Context, namespacedName string) (*TagValue, error) {
	rm, err := c.resourceManager(ctx)
	if err != nil {
		return nil, err
	}
	var out *TagValue
	target := c.crmURL("tagValues/namespaced", url.Values{"name": {namespacedName}})
	err = c.observe(ctx, "tagValues.getNamespaced", http.MethodGet, target, func(ctx context.Context) error {
		pb, err := rm.tagValues.GetNamespacedTagValue(ctx,
			&resourcemanagerpb.GetNamespacedTagValueRequest{Name: namespacedName}, noRetry)
		if err != nil {
			return classify(err)
		}
		out = tagValueFromProto(pb)
		return nil
	})
	return out, err
}
