// Package request builds immutable mutation requests from validated input.
package request

import (
	"maps"
	"strings"
)

// Request is a mutation accepted by the API client.
type Request interface {
	// Kind identifies the mutation, e.g. "tag_value.create".
	Kind() string
	// Target names the resource being mutated, for logs and policy input.
	Target() string

	sealed()
}

// CreateTagValue creates a TagValue under a TagKey or TagValue parent.
type CreateTagValue struct {
	shortName   string
	parent      string
	description string
}

// NewCreateTagValue builds a create request. parent must already be resolved
// to tagKeys/{id} or tagValues/{id}.
func NewCreateTagValue(shortName, parent, description string) CreateTagValue {
	return CreateTagValue{shortName: shortName, parent: parent, description: description}
}

func (r CreateTagValue) ShortName() string   { return r.shortName }
func (r CreateTagValue) Parent() string      { return r.parent }
func (r CreateTagValue) Description() string { return r.description }
func (r CreateTagValue) Kind() string        { return "tag_value.create" }
func (r CreateTagValue) Target() string      { return r.parent + "/" + r.shortName }
func (CreateTagValue) sealed()               {}

// FullReplaceMask is the only update mask sent for tag binding collections.
const FullReplaceMask = "*"

// UpdateTagBindings replaces the tags bound to one resource.
type UpdateTagBindings struct {
	collection       string
	fullResourceName string
	location         string
	etag             string
	tags             map[string]string
}

// NewUpdateTagBindings builds a full-replace update of a tag binding
// collection. tags is copied.
func NewUpdateTagBindings(collection, fullResourceName, location, etag string, tags map[string]string) UpdateTagBindings {
	return UpdateTagBindings{
		collection:       collection,
		fullResourceName: fullResourceName,
		location:         location,
		etag:             etag,
		tags:             maps.Clone(nonNil(tags)),
	}
}

func (r UpdateTagBindings) Collection() string       { return r.collection }
func (r UpdateTagBindings) FullResourceName() string { return r.fullResourceName }
func (r UpdateTagBindings) Location() string         { return r.location }
func (r UpdateTagBindings) Etag() string             { return r.etag }
func (r UpdateTagBindings) UpdateMask() string       { return FullReplaceMask }
func (r UpdateTagBindings) Kind() string             { return "tag_bindings.update" }
func (r UpdateTagBindings) Target() string           { return r.fullResourceName }
func (UpdateTagBindings) sealed()                    {}

// Tags returns a copy of the tags to bind.
func (r UpdateTagBindings) Tags() map[string]string {
	return maps.Clone(r.tags)
}

// GCSScheme is the optional prefix accepted on export destinations.
const GCSScheme = "gs://"

// ExportArtifact exports the package version a tag points at to Cloud Storage.
type ExportArtifact struct {
	tag         TagRef
	destination string
}

// NewExportArtifact builds an export request. destination is kept exactly as
// typed for display; the wire path drops a leading gs:// prefix.
func NewExportArtifact(tag TagRef, destination string) ExportArtifact {
	return ExportArtifact{tag: tag, destination: destination}
}

func (r ExportArtifact) Tag() TagRef         { return r.tag }
func (r ExportArtifact) Repository() string  { return r.tag.Repository() }
func (r ExportArtifact) SourceTag() string   { return r.tag.Name() }
func (r ExportArtifact) Destination() string { return r.destination }
func (r ExportArtifact) GCSPath() string     { return strings.TrimPrefix(r.destination, GCSScheme) }
func (r ExportArtifact) Kind() string        { return "artifact.export" }
func (r ExportArtifact) Target() string      { return r.tag.Name() }
func (ExportArtifact) sealed()               {}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
