package orchestrator

import (
	"context"
	"iter"

	"github.com/yairfalse/tagops/internal/api"
	"github.com/yairfalse/tagops/internal/config"
	"github.com/yairfalse/tagops/internal/naming"
	"github.com/yairfalse/tagops/internal/operation"
	"github.com/yairfalse/tagops/internal/request"
)

// Capabilities are the features enabled by the release track.
type Capabilities struct {
	// FreeformTags enables tag binding collections: key/value tags that
	// are not backed by a tag value resource.
	FreeformTags bool
}

// CapabilitiesFor derives capabilities from a release track.
func CapabilitiesFor(track string) Capabilities {
	return Capabilities{FreeformTags: track == config.TrackAlpha}
}

// RequireFreeformTags fails unless freeform tags are enabled.
func (c Capabilities) RequireFreeformTags(command string) error {
	if !c.FreeformTags {
		return operation.Validation("%s requires --release-track=%s", command, config.TrackAlpha)
	}
	return nil
}

// Collections reads tag binding collections.
type Collections interface {
	GetTagBindingCollection(ctx context.Context, name string) (*api.TagBindingCollection, error)
	GetEffectiveTagBindingCollection(ctx context.Context, name string) (*api.EffectiveTagBindingCollection, error)
}

// BindingSource is the API surface used to list bindings.
type BindingSource interface {
	Collections
	ListTagBindings(ctx context.Context, parent string, pageSize int) iter.Seq2[api.TagBinding, error]
	ListEffectiveTags(ctx context.Context, parent string, pageSize int) iter.Seq2[api.EffectiveTag, error]
}

// LocationScope runs fn against the endpoint for location.
type LocationScope interface {
	WithLocation(location string, fn func() error) error
}

// BindingQuery selects the bindings to list.
type BindingQuery struct {
	Parent    string
	Location  string
	Effective bool
	PageSize  int
}

// BindingLister lists the tags bound to a resource.
type BindingLister interface {
	List(ctx context.Context, q BindingQuery) iter.Seq2[any, error]
}

// NewBindingLister picks the listing strategy for caps.
func NewBindingLister(caps Capabilities, src BindingSource, scope LocationScope) BindingLister {
	if caps.FreeformTags {
		return collectionLister{src: src, scope: scope}
	}
	return pagedLister{src: src, scope: scope}
}

// pagedLister walks tagBindings or effectiveTags page by page.
type pagedLister struct {
	src   BindingSource
	scope LocationScope
}

func (l pagedLister) List(ctx context.Context, q BindingQuery) iter.Seq2[any, error] {
	parent, err := naming.CanonicalResourceName(q.Parent, q.Location)
	if err != nil {
		return failed(err)
	}
	if q.Effective {
		// effectiveTags always uses the server page size.
		return scoped(l.scope, q.Location, erase(l.src.ListEffectiveTags(ctx, parent, 0)))
	}
	return scoped(l.scope, q.Location, erase(l.src.ListTagBindings(ctx, parent, q.PageSize)))
}

// collectionLister reads the single collection describing a resource.
type collectionLister struct {
	src   BindingSource
	scope LocationScope
}

func (l collectionLister) List(ctx context.Context, q BindingQuery) iter.Seq2[any, error] {
	location := q.Location
	if location == "" {
		location = naming.GlobalLocation
	}
	parent, err := naming.CanonicalResourceName(q.Parent, location)
	if err != nil {
		return failed(err)
	}

	return func(yield func(any, error) bool) {
		var item any
		err := l.scope.WithLocation(location, func() error {
			var err error
			if q.Effective {
				item, err = l.src.GetEffectiveTagBindingCollection(ctx,
					naming.EncodeCollectionName(naming.EffectiveTagBindingCollections, location, parent))
			} else {
				item, err = l.src.GetTagBindingCollection(ctx,
					naming.EncodeCollectionName(naming.TagBindingCollections, location, parent))
			}
			return err
		})
		if err != nil {
			yield(nil, err)
			return
		}
		yield(item, nil)
	}
}

// BindingEdit is a requested change to the tags on one resource.
type BindingEdit struct {
	ResourceName string
	Location     string
	Update       map[string]string
	Remove       []string
	Clear        bool
}

// PrepareBindingsUpdate reads the resource's current collection and returns
// the full-replace request carrying the merged tags and the read etag.
func PrepareBindingsUpdate(ctx context.Context, src Collections, scope LocationScope, edit BindingEdit) (request.UpdateTagBindings, error) {
	location := edit.Location
	if location == "" {
		location = naming.GlobalLocation
	}
	fullName, err := naming.CanonicalResourceName(edit.ResourceName, edit.Location)
	if err != nil {
		return request.UpdateTagBindings{}, err
	}
	if len(edit.Update) == 0 && len(edit.Remove) == 0 && !edit.Clear {
		return request.UpdateTagBindings{}, operation.Validation("one of --tags, --remove-tags or --clear-tags is required")
	}

	collection := naming.EncodeCollectionName(naming.TagBindingCollections, location, fullName)

	var current *api.TagBindingCollection
	err = scope.WithLocation(location, func() error {
		var err error
		current, err = src.GetTagBindingCollection(ctx, collection)
		return err
	})
	if err != nil {
		return request.UpdateTagBindings{}, err
	}

	tags, err := request.MergeTags(current.Tags, edit.Update, edit.Remove, edit.Clear)
	if err != nil {
		return request.UpdateTagBindings{}, err
	}
	return request.NewUpdateTagBindings(collection, fullName, location, current.Etag, tags), nil
}

func erase[T any](seq iter.Seq2[T, error]) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		for v, err := range seq {
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// scoped keeps the endpoint override in place for the whole iteration. A
// failure to enter the override is yielded as the only element.
func scoped(scope LocationScope, location string, seq iter.Seq2[any, error]) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		stopped := false
		err := scope.WithLocation(location, func() error {
			for v, err := range seq {
				if !yield(v, err) {
					stopped = true
					break
				}
			}
			return nil
		})
		if err != nil && !stopped {
			yield(nil, err)
		}
	}
}

func failed(err error) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		yield(nil, err)
	}
}
