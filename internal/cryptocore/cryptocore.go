// Package cryptocore implements the service's cryptographic core: master
// secret management, deterministic per-item key derivation, authenticated
// encryption of cell values, integrity hashing, and a small compute layer
// that evaluates search/aggregate/filter operations against encrypted
// envelopes without handing plaintext back to the caller.
package cryptocore

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/r3e-cellvault/cellserver/pkg/errors"
	"github.com/r3e-cellvault/cellserver/pkg/logger"
)

const (
	masterKeySize            = 32
	masterRotationIterations = 10000
)

// Core is the process-wide cryptographic core. It holds the master secret
// and a cache of derived per-data_id keys; both are protected by mu so
// rotation can safely clear the cache while requests are in flight.
type Core struct {
	mu            sync.RWMutex
	master        []byte
	masterKeyPath string
	derivedKeys   map[string][]byte
	enabled       bool
	attestor      Attestor
	log           *logger.Logger
}

// Config controls Core construction.
type Config struct {
	Enabled       bool
	MasterKeyPath string
}

// New loads (or generates, on first run) the 32-byte master secret at
// cfg.MasterKeyPath and returns a ready Core. When cfg.Enabled is false the
// Core is constructed but Encrypt/Decrypt/Compute return a 503
// Unavailable error, for a disabled crypto subsystem.
func New(cfg Config, log *logger.Logger) (*Core, error) {
	c := &Core{
		derivedKeys:   make(map[string][]byte),
		masterKeyPath: cfg.MasterKeyPath,
		enabled:       cfg.Enabled,
		attestor:      NewSimulationAttestor(),
		log:           log,
	}
	if !cfg.Enabled {
		return c, nil
	}

	master, err := loadOrCreateMasterKey(cfg.MasterKeyPath)
	if err != nil {
		return nil, err
	}
	c.master = master
	return c, nil
}

func loadOrCreateMasterKey(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("master key path is empty")
	}
	data, err := os.ReadFile(path)
	if err == nil {
		decoded, decErr := hex.DecodeString(string(data))
		if decErr != nil || len(decoded) != masterKeySize {
			return nil, fmt.Errorf("master key file %s is malformed", path)
		}
		return decoded, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read master key: %w", err)
	}

	key := make([]byte, masterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create sealed_data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("write master key: %w", err)
	}
	return key, nil
}

// Enabled reports whether the crypto subsystem is active.
func (c *Core) Enabled() bool {
	return c.enabled
}

func (c *Core) requireEnabled() error {
	if !c.enabled {
		return errors.Unavailable("crypto subsystem disabled")
	}
	return nil
}

// DeriveKey returns HMAC-SHA256(master, dataID), caching the result per
// dataID until the next RotateDerivedKeyCache call.
func (c *Core) DeriveKey(dataID string) ([]byte, error) {
	if err := c.requireEnabled(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	if key, ok := c.derivedKeys[dataID]; ok {
		c.mu.RUnlock()
		return key, nil
	}
	c.mu.RUnlock()

	mac := hmac.New(sha256.New, c.master)
	_, _ = mac.Write([]byte(dataID))
	key := mac.Sum(nil)

	c.mu.Lock()
	c.derivedKeys[dataID] = key
	c.mu.Unlock()

	return key, nil
}

// RotateDerivedKeyCache flushes the per-data_id derived-key cache. It does
// not touch the master secret: full master rotation is a deliberate admin
// operation performed separately via RotateMasterKey, since it makes
// previously encrypted items unreadable.
func (c *Core) RotateDerivedKeyCache() {
	c.mu.Lock()
	c.derivedKeys = make(map[string][]byte)
	c.mu.Unlock()
	if c.log != nil {
		c.log.WithField("component", "cryptocore").Debug("derived key cache rotated")
	}
}

// RotateMasterKey replaces the master secret with
// PBKDF2-SHA256(old_master, random_salt, 10000 iterations), clears the
// derived-key cache, and persists the new key to MasterKeyPath. This is a
// deliberate, explicit admin operation: every item encrypted under the
// old master secret becomes unreadable the moment it returns.
func (c *Core) RotateMasterKey() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return errors.Unavailable("crypto subsystem disabled")
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return errors.Internal("generate rotation salt", err)
	}
	newMaster := pbkdf2.Key(c.master, salt, masterRotationIterations, masterKeySize, sha256.New)

	if c.masterKeyPath != "" {
		if err := os.WriteFile(c.masterKeyPath, []byte(hex.EncodeToString(newMaster)), 0o600); err != nil {
			return errors.Internal("persist rotated master key", err)
		}
	}

	c.master = newMaster
	c.derivedKeys = make(map[string][]byte)
	if c.log != nil {
		c.log.WithField("component", "cryptocore").Warn("master key rotated; previously encrypted items are now unreadable")
	}
	return nil
}

// Encrypt produces an Envelope for plaintext bound to dataID via AES-GCM-256
// with the per-data_id derived key.
func (c *Core) Encrypt(plaintext []byte, dataID string) (Envelope, error) {
	if err := c.requireEnabled(); err != nil {
		return Envelope{}, err
	}
	key, err := c.DeriveKey(dataID)
	if err != nil {
		return Envelope{}, err
	}

	nonce, ciphertext, err := sealGCM(key, plaintext, []byte(dataID))
	if err != nil {
		return Envelope{}, errors.Internal("encrypt failed", err)
	}

	return Envelope{
		Version:    envelopeVersion,
		Algorithm:  envelopeAlgorithm,
		DataID:     dataID,
		Nonce:      b64(nonce),
		Ciphertext: b64(ciphertext),
	}, nil
}

// Decrypt recovers the plaintext sealed in env. The envelope's own data_id
// is used for key derivation and as AAD, so decrypting an envelope bound to
// a different data_id than the one supplied always fails.
func (c *Core) Decrypt(env Envelope) ([]byte, error) {
	if err := c.requireEnabled(); err != nil {
		return nil, err
	}
	if env.Algorithm != envelopeAlgorithm {
		return nil, errors.DecryptFailed(fmt.Errorf("unknown algorithm %q", env.Algorithm))
	}

	nonce, err := unb64(env.Nonce)
	if err != nil {
		return nil, errors.DecryptFailed(fmt.Errorf("decode nonce: %w", err))
	}
	ciphertext, err := unb64(env.Ciphertext)
	if err != nil {
		return nil, errors.DecryptFailed(fmt.Errorf("decode ciphertext: %w", err))
	}

	key, err := c.DeriveKey(env.DataID)
	if err != nil {
		return nil, err
	}

	plaintext, err := openGCM(key, nonce, ciphertext, []byte(env.DataID))
	if err != nil {
		return nil, errors.DecryptFailed(err)
	}
	return plaintext, nil
}

// Hash returns HMAC-SHA512(master, data) as lowercase hex.
func (c *Core) Hash(data []byte) (string, error) {
	if err := c.requireEnabled(); err != nil {
		return "", err
	}
	mac := hmac.New(sha512.New, c.master)
	_, _ = mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyIntegrity reports whether value hashes (via Hash) to expectedHex,
// using a constant-time comparison.
func (c *Core) VerifyIntegrity(value []byte, expectedHex string) (bool, error) {
	actual, err := c.Hash(value)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(actual), []byte(expectedHex)) == 1, nil
}

// Attestation returns the current attestation report for this process.
func (c *Core) Attestation() (AttestationReport, error) {
	return c.attestor.Generate()
}
