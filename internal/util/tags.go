package util

// =============================================================================
// Tag Extraction Helpers
// =============================================================================

// GetTagValue returns the first value for the given tag name, or empty string if not found.
func GetTagValue(tags [][]string, tagName string) string {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == tagName {
			return tag[1]
		}
	}
	return ""
}

// GetLastTagValue returns the last value for the given tag name.
// In NIP-10 positional threads the last e-tag is the direct parent.
func GetLastTagValue(tags [][]string, tagName string) string {
	var result string
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == tagName {
			result = tag[1]
		}
	}
	return result
}

// GetTagValues returns all values for the given tag name.
func GetTagValues(tags [][]string, tagName string) []string {
	var results []string
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == tagName {
			results = append(results, tag[1])
		}
	}
	return results
}

// FindTagWithMarker returns the first tag of the given name whose fourth
// element equals marker (NIP-10 "root"/"reply").
func FindTagWithMarker(tags [][]string, tagName, marker string) []string {
	for _, tag := range tags {
		if len(tag) >= 4 && tag[0] == tagName && tag[3] == marker {
			return tag
		}
	}
	return nil
}

// HasTag returns true if the given tag name exists (even with empty value).
func HasTag(tags [][]string, tagName string) bool {
	for _, tag := range tags {
		if len(tag) >= 1 && tag[0] == tagName {
			return true
		}
	}
	return false
}
