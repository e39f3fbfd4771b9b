package nostr

import (
	"psilo/internal/types"
)

// MatchFilter reports whether an event satisfies every constraint of a filter
func MatchFilter(f types.Filter, evt *types.Event) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, evt.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, evt.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == evt.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Since != nil && evt.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && evt.CreatedAt > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		if !hasTagValue(evt.Tags, name, values) {
			return false
		}
	}
	return true
}

// MatchAny reports whether an event satisfies at least one filter
func MatchAny(filters []types.Filter, evt *types.Event) bool {
	for _, f := range filters {
		if MatchFilter(f, evt) {
			return true
		}
	}
	return false
}

func hasTagValue(tags [][]string, name string, values []string) bool {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name && containsString(values, tag[1]) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
