package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Profile is the kind 0 metadata published by one pubkey
type Profile struct {
	PubKey    string `json:"-"`
	UpdatedAt int64  `json:"-"`

	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Nip05       string `json:"nip05,omitempty"`
	About       string `json:"about,omitempty"`
	Lud16       string `json:"lud16,omitempty"`
	Lud06       string `json:"lud06,omitempty"`
}

// ParseProfile decodes the JSON content of a metadata event
func ParseProfile(evt *Event) (*Profile, error) {
	if evt.Kind != KindMetadata {
		return nil, fmt.Errorf("kind %d is not a profile", evt.Kind)
	}
	var p Profile
	if err := json.Unmarshal([]byte(evt.Content), &p); err != nil {
		return nil, fmt.Errorf("profile content: %w", err)
	}
	p.PubKey = evt.PubKey
	p.UpdatedAt = evt.CreatedAt
	p.Lud16 = strings.TrimSpace(p.Lud16)
	p.Lud06 = strings.TrimSpace(p.Lud06)
	return &p, nil
}

// PayAddress is where zaps to this profile go: lud16 when set, otherwise lud06
func (p *Profile) PayAddress() string {
	if p == nil {
		return ""
	}
	if p.Lud16 != "" {
		return p.Lud16
	}
	return p.Lud06
}
