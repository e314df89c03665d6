package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	KeySize   = 32
	nonceSize = 24
)

var (
	// ErrInvalidKey is returned for keys that are not 32 bytes
	ErrInvalidKey = errors.New("secrets key must be 32 bytes")
	// ErrDecrypt is returned when a value cannot be authenticated with the key
	ErrDecrypt = errors.New("decryption failed")
)

// Decryptor opens secretbox sealed values. The key lives in a memguard enclave.
type Decryptor struct {
	enclave *memguard.Enclave
}

// NewDecryptor seals key into an enclave. The key slice is wiped.
func NewDecryptor(key []byte) (*Decryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return &Decryptor{enclave: memguard.NewEnclave(key)}, nil
}

// ParseKey decodes a hex encoded key
func ParseKey(encoded string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode secrets key: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return key, nil
}

// LoadKeyFile reads a hex encoded key from path
func LoadKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secrets key: %w", err)
	}
	return ParseKey(string(data))
}

// Decrypt opens a hex encoded nonce||box value
func (d *Decryptor) Decrypt(ciphertext string) (string, error) {
	data, err := hex.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(data) < nonceSize+secretbox.Overhead {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}

	buffer, err := d.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("open key enclave: %w", err)
	}
	defer buffer.Destroy()

	var key [KeySize]byte
	copy(key[:], buffer.Bytes())
	defer memguard.WipeBytes(key[:])

	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])

	plain, ok := secretbox.Open(nil, data[nonceSize:], &nonce, &key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// Encrypt seals plaintext with key and returns hex encoded nonce||box
func Encrypt(key []byte, plaintext string) (string, error) {
	if len(key) != KeySize {
		return "", ErrInvalidKey
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	var k [KeySize]byte
	copy(k[:], key)
	defer memguard.WipeBytes(k[:])

	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &k)
	return hex.EncodeToString(sealed), nil
}
