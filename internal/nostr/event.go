package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"unicode/utf8"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"psilo/internal/types"
)

var (
	ErrIDMismatch       = errors.New("event id does not match content hash")
	ErrInvalidSignature = errors.New("event signature is invalid")
	ErrMalformedEvent   = errors.New("malformed event")
)

// Serialize returns the canonical NIP-01 serialization used as hash input:
// [0,<pubkey>,<created_at>,<kind>,<tags>,<content>]
//
// Strings are escaped per NIP-01 only; HTML characters and non-ASCII text
// are written verbatim, which encoding/json would not do.
func Serialize(pubKey string, createdAt int64, kind int, tags [][]string, content string) []byte {
	var buf bytes.Buffer
	buf.Grow(128 + len(content))
	buf.WriteString(`[0,`)
	writeString(&buf, pubKey)
	buf.WriteByte(',')
	buf.WriteString(strconv.FormatInt(createdAt, 10))
	buf.WriteByte(',')
	buf.WriteString(strconv.Itoa(kind))
	buf.WriteString(",[")
	for i, tag := range tags {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('[')
		for j, v := range tag {
			if j > 0 {
				buf.WriteByte(',')
			}
			writeString(&buf, v)
		}
		buf.WriteByte(']')
	}
	buf.WriteString("],")
	writeString(&buf, content)
	buf.WriteByte(']')
	return buf.Bytes()
}

func writeString(buf *bytes.Buffer, s string) {
	const hexDigits = "0123456789abcdef"
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		c := s[i]
		if c >= utf8.RuneSelf {
			r, size := utf8.DecodeRuneInString(s[i:])
			if r == utf8.RuneError && size == 1 {
				buf.WriteString("\ufffd")
			} else {
				buf.WriteString(s[i : i+size])
			}
			i += size
			continue
		}
		switch c {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			if c < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[c>>4])
				buf.WriteByte(hexDigits[c&0xf])
			} else {
				buf.WriteByte(c)
			}
		}
		i++
	}
	buf.WriteByte('"')
}

// ComputeID returns the hex SHA-256 of the canonical serialization
func ComputeID(pubKey string, createdAt int64, kind int, tags [][]string, content string) string {
	hash := sha256.Sum256(Serialize(pubKey, createdAt, kind, tags, content))
	return hex.EncodeToString(hash[:])
}

// EventID computes the id an event should carry given its other fields
func EventID(evt *types.Event) string {
	return ComputeID(evt.PubKey, evt.CreatedAt, evt.Kind, evt.Tags, evt.Content)
}

// NewUnsigned builds an event with its id filled in and no signature
func NewUnsigned(pubKey string, createdAt int64, kind int, tags [][]string, content string) *types.Event {
	if tags == nil {
		tags = [][]string{}
	}
	evt := &types.Event{
		PubKey:    pubKey,
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	evt.ID = EventID(evt)
	return evt
}

// VerifyID reports whether the event id matches its content hash
func VerifyID(evt *types.Event) bool {
	return evt.ID != "" && evt.ID == EventID(evt)
}

// VerifySignature verifies the Schnorr signature for a Nostr event
func VerifySignature(evt *types.Event) bool {
	if len(evt.Sig) != 128 || len(evt.PubKey) != 64 || len(evt.ID) != 64 {
		return false
	}

	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return false
	}
	pubKeyBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return false
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}

	return sig.Verify(idBytes, pubKey)
}

// Validate checks the id and signature of a signed event
func Validate(evt *types.Event) error {
	if len(evt.PubKey) != 64 {
		return ErrMalformedEvent
	}
	if !VerifyID(evt) {
		return ErrIDMismatch
	}
	if !VerifySignature(evt) {
		return ErrInvalidSignature
	}
	return nil
}

// ParseEvent decodes a signed event from JSON and validates it
func ParseEvent(data []byte) (*types.Event, error) {
	var evt types.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, errors.Join(ErrMalformedEvent, err)
	}
	if evt.Tags == nil {
		evt.Tags = [][]string{}
	}
	if err := Validate(&evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

// ParseEventFromInterface converts raw websocket data to Event (avoids JSON re-encoding).
// Events with a mismatched id or a bad signature are discarded.
func ParseEventFromInterface(data interface{}) (types.Event, bool) {
	m, ok := data.(map[string]interface{})
	if !ok {
		return types.Event{}, false
	}

	evt := types.Event{Tags: [][]string{}}

	if id, ok := m["id"].(string); ok {
		evt.ID = id
	}
	if pk, ok := m["pubkey"].(string); ok {
		evt.PubKey = pk
	}
	if createdAt, ok := m["created_at"].(float64); ok {
		evt.CreatedAt = int64(createdAt)
	}
	if kind, ok := m["kind"].(float64); ok {
		evt.Kind = int(kind)
	}
	if content, ok := m["content"].(string); ok {
		evt.Content = content
	}
	if sig, ok := m["sig"].(string); ok {
		evt.Sig = sig
	}

	if tags, ok := m["tags"].([]interface{}); ok {
		for _, tag := range tags {
			tagArr, ok := tag.([]interface{})
			if !ok {
				return types.Event{}, false
			}
			strTag := make([]string, 0, len(tagArr))
			for _, elem := range tagArr {
				s, ok := elem.(string)
				if !ok {
					return types.Event{}, false
				}
				strTag = append(strTag, s)
			}
			evt.Tags = append(evt.Tags, strTag)
		}
	}

	if err := Validate(&evt); err != nil {
		slog.Debug("discarding invalid event", "event_id", ShortID(evt.ID), "error", err)
		return types.Event{}, false
	}

	return evt, true
}

// ShortID truncates ID/pubkey to 12 chars for logging
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}
