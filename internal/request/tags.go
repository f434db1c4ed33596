package request

import (
	"maps"
	"slices"
	"strings"

	"github.com/yairfalse/tagops/internal/operation"
)

// MergeTags computes the tag set to bind after an update. clear drops every
// original tag, remove drops the named keys, and update adds or overwrites
// entries. A key may not be both updated and removed. Inputs are not modified.
func MergeTags(original, update map[string]string, remove []string, clear bool) (map[string]string, error) {
	for _, k := range remove {
		if _, ok := update[k]; ok {
			return nil, operation.Validation("tag key %q is both updated and removed", k)
		}
	}

	merged := map[string]string{}
	if !clear {
		maps.Copy(merged, original)
	}
	for _, k := range remove {
		delete(merged, k)
	}
	maps.Copy(merged, update)
	return merged, nil
}

// ParseTagPairs parses "k1=v1,k2=v2" flag values.
func ParseTagPairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, operation.Validation("invalid tag %q, expected KEY=VALUE", p)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

// SortedKeys returns the keys of tags in lexical order.
func SortedKeys(tags map[string]string) []string {
	return slices.Sorted(maps.Keys(tags))
}
