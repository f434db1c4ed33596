// Package naming validates and encodes resource names used by tag commands.
package naming

import (
	"net/url"
	"strings"

	"github.com/yairfalse/tagops/internal/operation"
)

// Collection kinds under locations/{location}/.
const (
	TagBindingCollections          = "tagBindingCollections"
	EffectiveTagBindingCollections = "effectiveTagBindingCollections"
)

// GlobalLocation is the location of projects, folders and organizations.
const GlobalLocation = "global"

// CanonicalResourceName validates a full resource name such as
// //compute.googleapis.com/projects/p/zones/us-central1-a/instances/vm.
// Resources living in a region or zone must be addressed with a matching
// location.
func CanonicalResourceName(name, location string) (string, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(name), "//")
	if !ok {
		return "", operation.InvalidName(name,
			"expected a full resource name like //cloudresourcemanager.googleapis.com/projects/123")
	}

	host, path, _ := strings.Cut(rest, "/")
	if !strings.Contains(host, ".") || strings.Trim(path, "/") == "" {
		return "", operation.InvalidName(name, "a full resource name needs a service host and a resource path")
	}
	path = strings.TrimRight(path, "/")
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			return "", operation.InvalidName(name, "empty path segment")
		}
	}

	if resLoc := locationOf(path); resLoc != "" && resLoc != GlobalLocation {
		switch {
		case isGlobal(location):
			return "", operation.Validation("--location is required for resources in %s", resLoc)
		case !strings.HasPrefix(resLoc, location):
			return "", operation.Validation("resource is in %s, not in --location=%s", resLoc, location)
		}
	}

	return "//" + host + "/" + path, nil
}

// locationOf returns the zone, region or location segment of a resource path.
func locationOf(path string) string {
	segs := strings.Split(path, "/")
	for i := 0; i+1 < len(segs); i++ {
		switch segs[i] {
		case "zones", "regions", "locations":
			return segs[i+1]
		}
	}
	return ""
}

// EncodeCollectionName builds locations/{location}/{kind}/{escaped name}.
// The full resource name is escaped as a single path segment.
func EncodeCollectionName(kind, location, fullName string) string {
	if isGlobal(location) {
		location = GlobalLocation
	}
	return "locations/" + location + "/" + kind + "/" + QuoteSegment(fullName)
}

// QuoteSegment percent-escapes every byte outside A-Z a-z 0-9 - _ . ~,
// slashes included.
func QuoteSegment(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func isGlobal(location string) bool {
	return location == "" || location == GlobalLocation
}
