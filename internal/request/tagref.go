package request

import (
	"fmt"
	"strings"

	"github.com/yairfalse/tagops/internal/operation"
)

// TagRef identifies an Artifact Registry tag.
type TagRef struct {
	project    string
	location   string
	repository string
	pkg        string
	tag        string
}

// NewTagRef assembles a tag reference from its parts. All parts are required.
func NewTagRef(project, location, repository, pkg, tag string) (TagRef, error) {
	parts := []struct{ flag, value string }{
		{"--project", project},
		{"--location", location},
		{"--repository", repository},
		{"--package", pkg},
		{"TAG", tag},
	}
	for _, p := range parts {
		if p.value == "" {
			return TagRef{}, operation.Validation("%s is required to identify the tag", p.flag)
		}
	}
	return TagRef{
		project:    project,
		location:   location,
		repository: repository,
		pkg:        strings.ReplaceAll(pkg, "%2F", "/"),
		tag:        tag,
	}, nil
}

// ParseTagRef parses
// projects/{p}/locations/{l}/repositories/{r}/packages/{pkg}/tags/{t}.
func ParseTagRef(name string) (TagRef, error) {
	segs := strings.Split(name, "/")
	if len(segs) != 10 ||
		segs[0] != "projects" || segs[2] != "locations" || segs[4] != "repositories" ||
		segs[6] != "packages" || segs[8] != "tags" {
		return TagRef{}, operation.InvalidName(name,
			"expected projects/PROJECT/locations/LOCATION/repositories/REPOSITORY/packages/PACKAGE/tags/TAG")
	}
	return NewTagRef(segs[1], segs[3], segs[5], segs[7], segs[9])
}

// IsFullTagName reports whether s looks like a full tag resource name.
func IsFullTagName(s string) bool {
	return strings.HasPrefix(s, "projects/")
}

func (t TagRef) Project() string  { return t.project }
func (t TagRef) Location() string { return t.location }
func (t TagRef) Package() string  { return t.pkg }
func (t TagRef) TagID() string    { return t.tag }

// Repository returns the relative name of the owning repository.
func (t TagRef) Repository() string {
	return fmt.Sprintf("projects/%s/locations/%s/repositories/%s", t.project, t.location, t.repository)
}

// Name returns the relative name of the tag. Slashes inside the package ID
// are escaped as %2F, the form the service expects.
func (t TagRef) Name() string {
	return fmt.Sprintf("%s/packages/%s/tags/%s",
		t.Repository(), strings.ReplaceAll(t.pkg, "/", "%2F"), t.tag)
}

func (t TagRef) String() string {
	return t.Name()
}
