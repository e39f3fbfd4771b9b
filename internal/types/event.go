// Package types provides shared type definitions used across internal packages.
package types

// Well-known event kinds handled by this module
const (
	KindMetadata      = 0
	KindTextNote      = 1
	KindContacts      = 3
	KindReaction      = 7
	KindClientAuth    = 22242
	KindNWCRequest    = 23194
	KindNWCResponse   = 23195
	KindZapRequest    = 9734
	KindZapReceipt    = 9735
	KindRelayListMeta = 10002
	KindNWCInfo       = 13194
	KindNostrConnect  = 24133
)

// Event represents a Nostr event (NIP-01).
// An Event is immutable once Sig is set; changing any field requires a new ID.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// IsSigned reports whether the event carries a signature
func (e *Event) IsSigned() bool {
	return e.Sig != ""
}

// InboundEvent is an event received from a specific relay subscription
type InboundEvent struct {
	Event          Event
	RelayURL       string
	SubscriptionID string
}

// NostrMessage represents a raw Nostr protocol message
type NostrMessage []interface{}
