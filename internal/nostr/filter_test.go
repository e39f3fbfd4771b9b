package nostr

import (
	"testing"

	"psilo/internal/types"
)

func TestMatchFilter(t *testing.T) {
	since := int64(100)
	until := int64(200)
	evt := &types.Event{
		ID:        "id1",
		PubKey:    "alice",
		CreatedAt: 150,
		Kind:      23195,
		Tags:      [][]string{{"e", "req1"}, {"p", "bob"}},
	}

	tests := []struct {
		name   string
		filter types.Filter
		want   bool
	}{
		{"empty filter", types.Filter{}, true},
		{"kind match", types.Filter{Kinds: []int{23195}}, true},
		{"kind miss", types.Filter{Kinds: []int{1}}, false},
		{"author match", types.Filter{Authors: []string{"carol", "alice"}}, true},
		{"author miss", types.Filter{Authors: []string{"carol"}}, false},
		{"id miss", types.Filter{IDs: []string{"id2"}}, false},
		{"time window", types.Filter{Since: &since, Until: &until}, true},
		{"before since", types.Filter{Since: &until}, false},
		{"e tag", types.Filter{Tags: map[string][]string{"e": {"req1"}}}, true},
		{"e tag miss", types.Filter{Tags: map[string][]string{"e": {"req2"}}}, false},
		{"combined", types.Filter{Kinds: []int{23195}, Tags: map[string][]string{"p": {"bob"}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchFilter(tt.filter, evt); got != tt.want {
				t.Errorf("MatchFilter = %v, want %v", got, tt.want)
			}
		})
	}

	if !MatchAny([]types.Filter{{Kinds: []int{1}}, {Kinds: []int{23195}}}, evt) {
		t.Error("MatchAny should accept second filter")
	}
}
