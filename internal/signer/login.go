package signer

import (
	"encoding/json"
	"errors"
	"net/url"

	"psilo/internal/types"
)

const loginIntentType = "get_public_key"

// Permission asks the external signer for standing approval of one operation
type Permission struct {
	Type string `json:"type"`
	Kind *int   `json:"kind,omitempty"`
}

// LoginResult identifies the signer application that answered a login request
type LoginResult struct {
	PubKey  string
	Package string
}

// ErrLoginIncomplete is returned when a login response lacks the key or the package
var ErrLoginIncomplete = errors.New("signer login response incomplete")

// DefaultPermissions covers what the relay, wallet and zap flows need
func DefaultPermissions() []Permission {
	kinds := []int{types.KindClientAuth, types.KindZapRequest, types.KindNWCRequest, types.KindTextNote}
	perms := make([]Permission, 0, len(kinds)+4)
	for _, k := range kinds {
		perms = append(perms, Permission{Type: "sign_event", Kind: &k})
	}
	perms = append(perms,
		Permission{Type: "nip04_encrypt"},
		Permission{Type: "nip04_decrypt"},
		Permission{Type: "nip44_encrypt"},
		Permission{Type: "nip44_decrypt"},
	)
	return perms
}

// LoginRequest builds the nostrsigner: intent URI asking for the public key
func LoginRequest(perms []Permission) (string, error) {
	if perms == nil {
		perms = []Permission{}
	}
	encoded, err := json.Marshal(perms)
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("type", loginIntentType)
	q.Set("permissions", string(encoded))
	return "nostrsigner:?" + q.Encode(), nil
}

// ParseLoginResult reads the signer's reply. The key may be hex or npub.
func ParseLoginResult(result, packageName string) (*LoginResult, error) {
	if result == "" || packageName == "" {
		return nil, ErrLoginIncomplete
	}
	raw, err := ParsePublicKey(result)
	if err != nil {
		return nil, err
	}
	keys, err := NewKeyPair(nil, raw)
	if err != nil {
		return nil, err
	}
	return &LoginResult{PubKey: keys.PubKeyHex(), Package: packageName}, nil
}
