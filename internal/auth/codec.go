package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"
)

// Purpose names the role a ciphertext plays. Each purpose has its own key
// and the name is bound as GCM additional data, so a value sealed for one
// purpose never opens under another.
type Purpose string

const (
	PurposeSessionToken Purpose = "session_token"
	PurposeSessionCache Purpose = "session_cache"
	PurposeTOTPSecret   Purpose = "totp_secret"
	PurposeRecoveryCode Purpose = "recovery_code"
	PurposeMFASetup     Purpose = "mfa_setup"
)

// AllPurposes lists every purpose the codec must hold a key for.
var AllPurposes = []Purpose{
	PurposeSessionToken,
	PurposeSessionCache,
	PurposeTOTPSecret,
	PurposeRecoveryCode,
	PurposeMFASetup,
}

const codecKeySize = 32

var (
	ErrCodecMissingKey = errors.New("codec: no key configured for purpose")
	ErrCodecMalformed  = errors.New("codec: malformed ciphertext")
	ErrCodecAuthFailed = errors.New("codec: authentication failed")
)

// SecretCodec performs authenticated encryption keyed by purpose.
type SecretCodec struct {
	keys map[Purpose]*memguard.Enclave
}

// NewSecretCodec builds a codec from explicit per-purpose keys. A purpose
// without an explicit key is derived from master with HKDF-SHA256 when
// master is non-empty.
func NewSecretCodec(master []byte, explicit map[Purpose][]byte) (*SecretCodec, error) {
	c := &SecretCodec{keys: make(map[Purpose]*memguard.Enclave, len(AllPurposes))}

	for _, p := range AllPurposes {
		if key, ok := explicit[p]; ok && len(key) > 0 {
			if len(key) != codecKeySize {
				return nil, fmt.Errorf("codec key for %s must be %d bytes, got %d", p, codecKeySize, len(key))
			}
			// NewEnclave wipes its argument.
			c.keys[p] = memguard.NewEnclave(append([]byte(nil), key...))
			continue
		}
		if len(master) == 0 {
			continue
		}
		derived, err := deriveKey(master, p)
		if err != nil {
			return nil, err
		}
		c.keys[p] = memguard.NewEnclave(derived)
	}

	return c, nil
}

func deriveKey(master []byte, p Purpose) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte("bastion/codec/"+string(p)))
	key := make([]byte, codecKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving key for %s: %w", p, err)
	}
	return key, nil
}

// Encrypt seals plaintext for purpose and returns base64url(nonce || ciphertext).
func (c *SecretCodec) Encrypt(plaintext []byte, purpose Purpose) (string, error) {
	gcm, err := c.aead(purpose)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, []byte(purpose))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// EncryptString is Encrypt for string payloads.
func (c *SecretCodec) EncryptString(plaintext string, purpose Purpose) (string, error) {
	return c.Encrypt([]byte(plaintext), purpose)
}

// Decrypt opens a value produced by Encrypt for the same purpose.
func (c *SecretCodec) Decrypt(encoded string, purpose Purpose) ([]byte, error) {
	gcm, err := c.aead(purpose)
	if err != nil {
		return nil, err
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrCodecMalformed
	}
	if len(raw) < gcm.NonceSize()+gcm.Overhead() {
		return nil, ErrCodecMalformed
	}

	nonce, body := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, []byte(purpose))
	if err != nil {
		return nil, ErrCodecAuthFailed
	}
	return plaintext, nil
}

// DecryptString is Decrypt for string payloads.
func (c *SecretCodec) DecryptString(encoded string, purpose Purpose) (string, error) {
	b, err := c.Decrypt(encoded, purpose)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *SecretCodec) aead(purpose Purpose) (cipher.AEAD, error) {
	enclave, ok := c.keys[purpose]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCodecMissingKey, purpose)
	}

	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()

	block, err := aes.NewCipher(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// GenerateCodecKey returns a fresh random key encoded for configuration.
func GenerateCodecKey() (string, error) {
	key := make([]byte, codecKeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
