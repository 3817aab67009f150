// Package envelope provides the symmetric at-rest protection used for
// serialized snapshots. The wire format is "ivHex:cipherHex" — a fresh
// random 16-byte IV per write, AES-256-CBC, PKCS#7 padding. A value
// without a colon is treated as legacy plaintext and passed through.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	keySize  = 32
	saltSize = 16
)

type Envelope struct {
	key []byte
}

// New builds an envelope around a raw 32-byte key.
func New(key []byte) (*Envelope, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("envelope key must be %d bytes, got %d", keySize, len(key))
	}
	return &Envelope{key: key}, nil
}

// Load reads the key material from keyFile, generating it on first boot.
// Without a passphrase the file holds the hex-encoded key itself. With a
// passphrase the file holds only a hex-encoded salt and the key is derived
// via scrypt, so the file alone is not enough to decrypt snapshots.
func Load(keyFile, passphrase string) (*Envelope, error) {
	if passphrase != "" {
		salt, err := loadOrCreateSecret(keyFile, saltSize)
		if err != nil {
			return nil, fmt.Errorf("load key salt: %w", err)
		}
		key, err := scrypt.Key([]byte(passphrase), salt, 1<<15, 8, 1, keySize)
		if err != nil {
			return nil, fmt.Errorf("derive key: %w", err)
		}
		return New(key)
	}

	key, err := loadOrCreateSecret(keyFile, keySize)
	if err != nil {
		return nil, fmt.Errorf("load key: %w", err)
	}
	return New(key)
}

func loadOrCreateSecret(path string, size int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		secret, decErr := hex.DecodeString(strings.TrimSpace(string(raw)))
		if decErr != nil {
			return nil, fmt.Errorf("decode %s: %w", path, decErr)
		}
		if len(secret) != size {
			return nil, fmt.Errorf("%s holds %d bytes, want %d", path, len(secret), size)
		}
		return secret, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	secret := make([]byte, size)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(secret)), 0o600); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return secret, nil
}

// Encrypt seals plaintext into the ivHex:cipherHex format.
func (e *Envelope) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	padded := pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(out), nil
}

// Decrypt opens an ivHex:cipherHex value. Anything that is not a valid
// envelope — no colon, bad hex, bad padding — is returned unchanged so
// pre-encryption snapshot files keep loading.
func (e *Envelope) Decrypt(data string) []byte {
	ivHex, cipherHex, found := strings.Cut(data, ":")
	if !found {
		return []byte(data)
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return []byte(data)
	}
	ct, err := hex.DecodeString(cipherHex)
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return []byte(data)
	}
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return []byte(data)
	}
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)
	plain, err := unpad(out, aes.BlockSize)
	if err != nil {
		return []byte(data)
	}
	return plain
}

func pad(in []byte, size int) []byte {
	n := size - len(in)%size
	out := make([]byte, len(in)+n)
	copy(out, in)
	for i := len(in); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(in []byte, size int) ([]byte, error) {
	if len(in) == 0 || len(in)%size != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(in))
	}
	n := int(in[len(in)-1])
	if n == 0 || n > size || n > len(in) {
		return nil, fmt.Errorf("invalid padding byte %d", n)
	}
	for _, b := range in[len(in)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return in[:len(in)-n], nil
}
