package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	// IVSize is the GCM nonce length in bytes.
	IVSize = 12
	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16

	keySize         = 32
	minSecretLength = 16
	minMemoryKB     = 8 * 1024
)

var associatedData = []byte("authguard/fieldcrypt/v1")

// DefaultSalt is the KDF salt used when Config.Salt is empty. Deployments
// that share a secret across environments should set their own.
var DefaultSalt = []byte("authguard.fieldcrypt.salt")

var (
	// ErrCrypto is returned for any decryption or blob-format failure.
	ErrCrypto = errors.New("fieldcrypt: decryption failed")
	// ErrSecretTooShort is returned by New when the secret is under 16 bytes.
	ErrSecretTooShort = errors.New("fieldcrypt: secret must be at least 16 bytes")
)

// Config controls key derivation.
type Config struct {
	Secret  []byte
	Salt    []byte
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultConfig returns argon2id parameters of time=3, memory=64MiB and
// threads=2 for secret.
func DefaultConfig(secret []byte) Config {
	return Config{
		Secret:  secret,
		Salt:    DefaultSalt,
		Time:    3,
		Memory:  64 * 1024,
		Threads: 2,
	}
}

// Blob is an encrypted field. All three parts are required to decrypt.
type Blob struct {
	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
}

// String renders the blob as "iv.ciphertext.tag" in lowercase hex.
func (b Blob) String() string {
	return hex.EncodeToString(b.IV) + "." + hex.EncodeToString(b.Ciphertext) + "." + hex.EncodeToString(b.AuthTag)
}

// ParseBlob parses the form produced by [Blob.String].
func ParseBlob(s string) (Blob, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Blob{}, ErrCrypto
	}
	var decoded [3][]byte
	for i, p := range parts {
		raw, err := hex.DecodeString(p)
		if err != nil {
			return Blob{}, ErrCrypto
		}
		decoded[i] = raw
	}
	return Blob{IV: decoded[0], Ciphertext: decoded[1], AuthTag: decoded[2]}, nil
}

// Service encrypts and decrypts fields. It is safe for concurrent use.
type Service struct {
	aead cipher.AEAD
	rand io.Reader
}

// New derives the field key from cfg. Zero KDF parameters take the
// [DefaultConfig] values.
func New(cfg Config) (*Service, error) {
	if len(cfg.Secret) < minSecretLength {
		return nil, ErrSecretTooShort
	}
	def := DefaultConfig(nil)
	if len(cfg.Salt) == 0 {
		cfg.Salt = def.Salt
	}
	if cfg.Time == 0 {
		cfg.Time = def.Time
	}
	if cfg.Memory == 0 {
		cfg.Memory = def.Memory
	}
	if cfg.Threads == 0 {
		cfg.Threads = def.Threads
	}
	if cfg.Memory < minMemoryKB {
		return nil, fmt.Errorf("fieldcrypt: memory must be at least %d KiB", minMemoryKB)
	}

	key := argon2.IDKey(cfg.Secret, cfg.Salt, cfg.Time, cfg.Memory, cfg.Threads, keySize)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Service{aead: aead, rand: rand.Reader}, nil
}

// Encrypt seals plaintext under a fresh random IV.
func (s *Service) Encrypt(plaintext []byte) (Blob, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(s.rand, iv); err != nil {
		return Blob{}, fmt.Errorf("fieldcrypt: read iv: %w", err)
	}
	sealed := s.aead.Seal(nil, iv, plaintext, associatedData)
	split := len(sealed) - TagSize
	return Blob{
		Ciphertext: sealed[:split:split],
		IV:         iv,
		AuthTag:    sealed[split:],
	}, nil
}

// Decrypt opens b. Any malformed or tampered part returns [ErrCrypto].
func (s *Service) Decrypt(b Blob) ([]byte, error) {
	if len(b.IV) != IVSize || len(b.AuthTag) != TagSize {
		return nil, ErrCrypto
	}
	sealed := make([]byte, 0, len(b.Ciphertext)+TagSize)
	sealed = append(sealed, b.Ciphertext...)
	sealed = append(sealed, b.AuthTag...)
	plaintext, err := s.aead.Open(nil, b.IV, sealed, associatedData)
	if err != nil {
		return nil, ErrCrypto
	}
	return plaintext, nil
}

// EncryptString encrypts value and returns the compact string form.
func (s *Service) EncryptString(value string) (string, error) {
	b, err := s.Encrypt([]byte(value))
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

// DecryptString reverses [Service.EncryptString].
func (s *Service) DecryptString(encoded string) (string, error) {
	b, err := ParseBlob(encoded)
	if err != nil {
		return "", err
	}
	plaintext, err := s.Decrypt(b)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
