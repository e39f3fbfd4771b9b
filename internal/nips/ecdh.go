package nips

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
)

// ParseXOnlyPubKey parses a 32-byte BIP-340 public key.
// The even-y point is tried first, matching how Nostr keys are interpreted.
func ParseXOnlyPubKey(pubKeyBytes []byte) (*btcec.PublicKey, error) {
	if len(pubKeyBytes) != 32 {
		return nil, errors.New("public key must be 32 bytes")
	}
	prefixed := append([]byte{0x02}, pubKeyBytes...)
	pubKey, err := btcec.ParsePubKey(prefixed)
	if err != nil {
		prefixed[0] = 0x03
		pubKey, err = btcec.ParsePubKey(prefixed)
		if err != nil {
			return nil, errors.New("invalid public key")
		}
	}
	return pubKey, nil
}

// SharedX computes the ECDH shared point's x coordinate, left-padded to 32 bytes
func SharedX(privKeyBytes []byte, pubKeyBytes []byte) ([]byte, error) {
	if len(privKeyBytes) != 32 {
		return nil, errors.New("private key must be 32 bytes")
	}
	privKey, _ := btcec.PrivKeyFromBytes(privKeyBytes)
	if privKey == nil {
		return nil, errors.New("invalid private key")
	}
	pubKey, err := ParseXOnlyPubKey(pubKeyBytes)
	if err != nil {
		return nil, err
	}

	// GenerateSharedSecret returns the X coordinate per RFC 5903 Section 9,
	// which may be shorter than 32 bytes when it has leading zeros
	sharedX := btcec.GenerateSharedSecret(privKey, pubKey)
	if len(sharedX) < 32 {
		padded := make([]byte, 32)
		copy(padded[32-len(sharedX):], sharedX)
		return padded, nil
	}
	return sharedX, nil
}
