package nips

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
)

// NIP-04 encryption/decryption (deprecated but still used by most wallets)

// Nip04IVMarker separates ciphertext and IV in a NIP-04 payload
const Nip04IVMarker = "?iv="

// ErrInvalidNip04Payload is returned when a payload is not "<base64>?iv=<base64>"
var ErrInvalidNip04Payload = errors.New("invalid NIP-04 payload format")

// Nip04SharedSecret computes the shared secret for NIP-04 encryption
func Nip04SharedSecret(privKeyBytes []byte, pubKeyBytes []byte) ([]byte, error) {
	return SharedX(privKeyBytes, pubKeyBytes)
}

// IsNip04Payload reports whether the payload carries the NIP-04 IV marker
func IsNip04Payload(payload string) bool {
	return strings.Contains(payload, Nip04IVMarker)
}

// Nip04Encrypt encrypts plaintext using NIP-04 (AES-256-CBC).
// Returns format: base64(ciphertext)?iv=base64(iv)
func Nip04Encrypt(plaintext string, sharedSecret []byte) (string, error) {
	if len(sharedSecret) != 32 {
		return "", errors.New("NIP-04 shared secret must be 32 bytes")
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	// PKCS7 padding
	plaintextBytes := []byte(plaintext)
	padding := aes.BlockSize - (len(plaintextBytes) % aes.BlockSize)
	padded := make([]byte, len(plaintextBytes)+padding)
	copy(padded, plaintextBytes)
	for i := len(plaintextBytes); i < len(padded); i++ {
		padded[i] = byte(padding)
	}

	block, err := aes.NewCipher(sharedSecret)
	if err != nil {
		return "", err
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(ciphertext) + Nip04IVMarker + base64.StdEncoding.EncodeToString(iv), nil
}

// Nip04Decrypt decrypts a NIP-04 encrypted payload
func Nip04Decrypt(payload string, sharedSecret []byte) (string, error) {
	parts := strings.Split(payload, Nip04IVMarker)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", ErrInvalidNip04Payload
	}

	ciphertext, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", errors.New("invalid ciphertext base64")
	}
	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", errors.New("invalid IV base64")
	}
	if len(iv) != aes.BlockSize {
		return "", errors.New("invalid IV length")
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", errors.New("ciphertext is not a multiple of block size")
	}

	block, err := aes.NewCipher(sharedSecret)
	if err != nil {
		return "", err
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	// Remove PKCS7 padding
	padding := int(plaintext[len(plaintext)-1])
	if padding > aes.BlockSize || padding == 0 {
		return "", errors.New("invalid padding")
	}
	for i := len(plaintext) - padding; i < len(plaintext); i++ {
		if plaintext[i] != byte(padding) {
			return "", errors.New("invalid padding bytes")
		}
	}

	return string(plaintext[:len(plaintext)-padding]), nil
}
