package naming

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/yairfalse/tagops/internal/api"
	"github.com/yairfalse/tagops/internal/namecache"
	"github.com/yairfalse/tagops/internal/operation"
)

// Lookup resolves namespaced tag names through the API.
type Lookup interface {
	LookupNamespacedTagKey(ctx context.Context, namespacedName string) (*api.TagKey, error)
	LookupNamespacedTagValue(ctx context.Context, namespacedName string) (*api.TagValue, error)
}

// Cache stores resolved names between invocations.
type Cache interface {
	Get(kind, key string) (string, bool, error)
	Put(kind, key, value string) error
}

// ParentResolver turns a --parent flag into tagKeys/{id} or tagValues/{id}.
type ParentResolver struct {
	lookup Lookup
	cache  Cache
	logger zerolog.Logger
}

// ResolverOption configures a ParentResolver.
type ResolverOption func(*ParentResolver)

// WithCache enables the name cache.
func WithCache(c Cache) ResolverOption {
	return func(r *ParentResolver) { r.cache = c }
}

// WithLogger sets the resolver logger.
func WithLogger(l zerolog.Logger) ResolverOption {
	return func(r *ParentResolver) { r.logger = l }
}

// NewParentResolver creates a resolver backed by lookup.
func NewParentResolver(lookup Lookup, opts ...ResolverOption) *ParentResolver {
	r := &ParentResolver{lookup: lookup, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve accepts tagKeys/{id}, tagValues/{id}, {parent}/{key} or
// {parent}/{key}/{value}.
func (r *ParentResolver) Resolve(ctx context.Context, parent string) (string, error) {
	parent = strings.TrimSpace(parent)
	if parent == "" {
		return "", operation.Validation("--parent is required")
	}
	if strings.HasPrefix(parent, "tagKeys/") || strings.HasPrefix(parent, "tagValues/") {
		return parent, nil
	}

	var kind string
	switch strings.Count(parent, "/") {
	case 1:
		kind = namecache.KindTagKey
	case 2:
		kind = namecache.KindTagValue
	default:
		return "", operation.InvalidName(parent,
			"expected tagKeys/ID, tagValues/ID, PARENT/KEY or PARENT/KEY/VALUE")
	}

	if name, ok := r.cached(ctx, kind, parent); ok {
		return name, nil
	}

	name, err := r.lookupName(ctx, kind, parent)
	if err != nil {
		return "", fmt.Errorf("resolve parent %s: %w", parent, err)
	}

	if r.cache != nil {
		if err := r.cache.Put(kind, parent, name); err != nil {
			r.logger.Warn().Ctx(ctx).Err(err).Str("parent", parent).Msg("failed to cache resolved name")
		}
	}
	return name, nil
}

func (r *ParentResolver) lookupName(ctx context.Context, kind, parent string) (string, error) {
	if kind == namecache.KindTagKey {
		key, err := r.lookup.LookupNamespacedTagKey(ctx, parent)
		if err != nil {
			return "", err
		}
		return key.Name, nil
	}
	value, err := r.lookup.LookupNamespacedTagValue(ctx, parent)
	if err != nil {
		return "", err
	}
	return value.Name, nil
}

func (r *ParentResolver) cached(ctx context.Context, kind, parent string) (string, bool) {
	if r.cache == nil {
		return "", false
	}
	name, ok, err := r.cache.Get(kind, parent)
	if err != nil {
		r.logger.Warn().Ctx(ctx).Err(err).Str("parent", parent).Msg("name cache read failed")
		return "", false
	}
	if ok {
		r.logger.Debug().Ctx(ctx).Str("parent", parent).Str("name", name).Msg("name cache hit")
	}
	return name, ok
}
