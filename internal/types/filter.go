package types

import (
	"encoding/json"
	"strings"
)

// Filter represents a Nostr subscription filter (NIP-01).
// Tags holds tag queries keyed by the single-letter tag name ("e", "p", ...).
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Since   *int64
	Until   *int64
	Limit   int
	Tags    map[string][]string
	Search  string // NIP-50 search query
}

// MarshalJSON encodes the filter in wire form with "#x" tag keys
func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{})
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	if f.Until != nil {
		m["until"] = *f.Until
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	if f.Search != "" {
		m["search"] = f.Search
	}
	for name, values := range f.Tags {
		if len(values) > 0 {
			m["#"+name] = values
		}
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes a wire filter, collecting "#x" keys into Tags
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = Filter{}
	for key, value := range raw {
		var err error
		switch {
		case key == "ids":
			err = json.Unmarshal(value, &f.IDs)
		case key == "authors":
			err = json.Unmarshal(value, &f.Authors)
		case key == "kinds":
			err = json.Unmarshal(value, &f.Kinds)
		case key == "since":
			var v int64
			err = json.Unmarshal(value, &v)
			f.Since = &v
		case key == "until":
			var v int64
			err = json.Unmarshal(value, &v)
			f.Until = &v
		case key == "limit":
			err = json.Unmarshal(value, &f.Limit)
		case key == "search":
			err = json.Unmarshal(value, &f.Search)
		case strings.HasPrefix(key, "#") && len(key) > 1:
			var values []string
			err = json.Unmarshal(value, &values)
			if f.Tags == nil {
				f.Tags = make(map[string][]string)
			}
			f.Tags[key[1:]] = values
		}
		if err != nil {
			return err
		}
	}
	return nil
}
