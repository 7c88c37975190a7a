/*
Copyright 2026 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package secrets provides authenticated-encryption-at-rest storage for
// provider credentials, with rotation, backup retention, and an
// environment-variable fallback for keys that were never stored.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"

	internalerrors "github.com/jordigilh/errorscope/internal/errors"
)

const (
	pbkdf2Iterations = 200_000
	saltSize         = 32
	ivSize           = 12
	defaultBackupRetain = 3
)

// StoredKey is the on-disk encrypted record for one provider credential.
type StoredKey struct {
	KeyID      string     `json:"keyId"`
	Version    int        `json:"version"`
	Ciphertext string     `json:"ciphertext"` // base64
	Salt       string     `json:"salt"`        // base64
	IV         string     `json:"iv"`          // base64
	Tag        string     `json:"tag"`         // base64, appended to ciphertext by GCM; kept separate for the on-disk shape spec.md describes
	Algorithm  string     `json:"algorithm"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	RotatedAt  *time.Time `json:"rotatedAt,omitempty"`
}

// Metadata is the public-safe view of a StoredKey.
type Metadata struct {
	Version         int        `json:"version"`
	CreatedAt       time.Time  `json:"createdAt"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	DaysUntilExpiry *int       `json:"daysUntilExpiry,omitempty"`
}

type document struct {
	Keys     map[string]StoredKey `json:"keys"`
	Metadata docMetadata          `json:"metadata"`
}

type docMetadata struct {
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"createdAt"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// StoreOptions configures how a key is stored.
type StoreOptions struct {
	ExpiresAt *time.Time
}

// Store is the encrypted-at-rest secrets store. One Store owns one file.
type Store struct {
	path         string
	passphrase   string
	backupRetain int
	logger       *logrus.Logger

	mu   sync.RWMutex
	doc  document

	watcher *fsnotify.Watcher
	done    chan struct{}
}

var insecureDefaults = map[string]bool{
	"changeme": true, "password": true, "secret": true, "default": true, "insecure": true,
}

// generatePassphrase creates an ephemeral, sufficiently long passphrase
// for use when the operator configured none. Callers must warn loudly;
// this function only generates, it does not log.
func generatePassphrase() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("errorscope: generating ephemeral passphrase: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Open loads (or initializes) the secrets file at path, authenticated
// with passphrase. An empty passphrase generates and warns about an
// ephemeral one instead of failing startup.
func Open(path, passphrase string, backupRetain int, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if backupRetain <= 0 {
		backupRetain = defaultBackupRetain
	}

	if passphrase == "" {
		generated, err := generatePassphrase()
		if err != nil {
			return nil, err
		}
		passphrase = generated
		logger.Warn("ENCRYPTION_KEY not configured; generated an ephemeral passphrase for this process. " +
			"Secrets stored under this run will not be readable after restart.")
	} else {
		if len(passphrase) < 16 {
			return nil, fmt.Errorf("errorscope: secrets passphrase must be at least 16 characters")
		}
		if insecureDefaults[strings.ToLower(passphrase)] {
			return nil, fmt.Errorf("errorscope: secrets passphrase matches a known-insecure default")
		}
	}

	s := &Store{
		path:         path,
		passphrase:   passphrase,
		backupRetain: backupRetain,
		logger:       logger,
		doc:          document{Keys: make(map[string]StoredKey)},
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) load() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("errorscope: creating secrets directory: %w", err)
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		now := time.Now()
		s.doc = document{
			Keys:     make(map[string]StoredKey),
			Metadata: docMetadata{Version: 1, CreatedAt: now, LastUpdated: now},
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("errorscope: reading secrets file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("errorscope: parsing secrets file: %w", err)
	}
	if doc.Keys == nil {
		doc.Keys = make(map[string]StoredKey)
	}
	s.doc = doc
	return nil
}

func (s *Store) persist() error {
	s.doc.Metadata.LastUpdated = time.Now()
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("errorscope: marshaling secrets file: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("errorscope: writing secrets file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("errorscope: finalizing secrets file: %w", err)
	}
	return nil
}

func (s *Store) deriveKey(salt []byte) []byte {
	return pbkdf2.Key([]byte(s.passphrase), salt, pbkdf2Iterations, 32, sha256.New)
}

// encrypt returns ciphertext-without-tag, tag, salt, and iv, with keyID
// bound as AAD.
func (s *Store) encrypt(plaintext []byte, keyID string) (ciphertext, tag, salt, iv []byte, err error) {
	salt = make([]byte, saltSize)
	if _, err = rand.Read(salt); err != nil {
		return nil, nil, nil, nil, err
	}
	iv = make([]byte, ivSize)
	if _, err = rand.Read(iv); err != nil {
		return nil, nil, nil, nil, err
	}

	block, err := aes.NewCipher(s.deriveKey(salt))
	if err != nil {
		return nil, nil, nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	sealed := gcm.Seal(nil, iv, plaintext, []byte(keyID))
	tagStart := len(sealed) - gcm.Overhead()
	return sealed[:tagStart], sealed[tagStart:], salt, iv, nil
}

func (s *Store) decrypt(rec StoredKey) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(rec.Salt)
	if err != nil {
		return nil, internalerrors.ErrDecryptFailure
	}
	iv, err := base64.StdEncoding.DecodeString(rec.IV)
	if err != nil {
		return nil, internalerrors.ErrDecryptFailure
	}
	ciphertext, err := base64.StdEncoding.DecodeString(rec.Ciphertext)
	if err != nil {
		return nil, internalerrors.ErrDecryptFailure
	}
	tag, err := base64.StdEncoding.DecodeString(rec.Tag)
	if err != nil {
		return nil, internalerrors.ErrDecryptFailure
	}

	block, err := aes.NewCipher(s.deriveKey(salt))
	if err != nil {
		return nil, internalerrors.ErrDecryptFailure
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, internalerrors.ErrDecryptFailure
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, []byte(rec.KeyID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", internalerrors.ErrDecryptFailure, err)
	}
	return plaintext, nil
}

// Store encrypts and persists plaintext under provider, returning its
// metadata.
func (s *Store) Store(provider, plaintext string, opts StoreOptions) (Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ciphertext, tag, salt, iv, err := s.encrypt([]byte(plaintext), provider)
	if err != nil {
		return Metadata{}, fmt.Errorf("errorscope: encrypting secret: %w", err)
	}

	rec := StoredKey{
		KeyID:      provider,
		Version:    nextVersion(s.doc.Keys[provider]),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Tag:        base64.StdEncoding.EncodeToString(tag),
		Algorithm:  "AES-256-GCM",
		CreatedAt:  time.Now(),
		ExpiresAt:  opts.ExpiresAt,
	}
	s.doc.Keys[provider] = rec

	if err := s.persist(); err != nil {
		return Metadata{}, err
	}
	s.logger.WithFields(logrus.Fields{
		"provider": provider,
		"version":  rec.Version,
		"key":      redactForLog(plaintext),
	}).Debug("stored provider credential")
	return toMetadata(rec), nil
}

func nextVersion(existing StoredKey) int {
	if existing.Version == 0 {
		return 1
	}
	return existing.Version + 1
}

// Get returns the plaintext for provider, or "" if none is stored and no
// environment fallback is set. A decrypt failure is always a hard error,
// never a silently-returned empty string.
func (s *Store) Get(provider string) (string, error) {
	s.mu.RLock()
	rec, ok := s.doc.Keys[provider]
	s.mu.RUnlock()

	if !ok {
		return os.Getenv(providerEnvVar(provider)), nil
	}

	plaintext, err := s.decrypt(rec)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func providerEnvVar(provider string) string {
	return strings.ToUpper(provider) + "_API_KEY"
}

// Rotate archives the current key for provider as a timestamped backup,
// stores newKey as the active credential, and prunes backups beyond the
// configured retention.
func (s *Store) Rotate(provider, newKey string) (Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.doc.Keys[provider]; ok {
		now := time.Now()
		existing.RotatedAt = &now
		backupKey := fmt.Sprintf("%s_backup_%d", provider, now.UnixNano())
		s.doc.Keys[backupKey] = existing
		s.pruneBackups(provider)
	}

	ciphertext, tag, salt, iv, err := s.encrypt([]byte(newKey), provider)
	if err != nil {
		return Metadata{}, fmt.Errorf("errorscope: encrypting rotated secret: %w", err)
	}
	rec := StoredKey{
		KeyID:      provider,
		Version:    nextVersion(s.doc.Keys[provider]),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Tag:        base64.StdEncoding.EncodeToString(tag),
		Algorithm:  "AES-256-GCM",
		CreatedAt:  time.Now(),
	}
	s.doc.Keys[provider] = rec

	if err := s.persist(); err != nil {
		return Metadata{}, err
	}
	s.logger.WithFields(logrus.Fields{
		"provider": provider,
		"version":  rec.Version,
		"key":      redactForLog(newKey),
	}).Debug("rotated provider credential")
	return toMetadata(rec), nil
}

// pruneBackups keeps only the most recent backupRetain backups for
// provider. Caller must hold s.mu.
func (s *Store) pruneBackups(provider string) {
	prefix := provider + "_backup_"
	var backupKeys []string
	for k := range s.doc.Keys {
		if strings.HasPrefix(k, prefix) {
			backupKeys = append(backupKeys, k)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(backupKeys)))
	for i, k := range backupKeys {
		if i >= s.backupRetain {
			delete(s.doc.Keys, k)
		}
	}
}

// Metadata returns the public metadata for provider's current key.
func (s *Store) Metadata(provider string) (Metadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.doc.Keys[provider]
	if !ok {
		return Metadata{}, false
	}
	return toMetadata(rec), true
}

func toMetadata(rec StoredKey) Metadata {
	m := Metadata{Version: rec.Version, CreatedAt: rec.CreatedAt, ExpiresAt: rec.ExpiresAt}
	if rec.ExpiresAt != nil {
		days := int(time.Until(*rec.ExpiresAt).Hours() / 24)
		m.DaysUntilExpiry = &days
	}
	return m
}

// WatchExternalRotation starts an fsnotify watcher on the secrets file so
// that an operator replacing it out-of-band (e.g. via a sidecar secret
// manager) invalidates this process's in-memory copy. This supplements
// spec.md's rotation contract, which only covers in-process Rotate calls.
func (s *Store) WatchExternalRotation() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("errorscope: starting secrets file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("errorscope: watching secrets directory: %w", err)
	}

	s.watcher = watcher
	s.done = make(chan struct{})

	go func() {
		for {
			select {
			case <-s.done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					s.mu.Lock()
					if err := s.load(); err != nil {
						s.logger.WithError(err).Warn("failed to reload secrets file after external change")
					}
					s.mu.Unlock()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.WithError(err).Warn("secrets file watcher error")
			}
		}
	}()

	return nil
}

// Close stops the external-rotation watcher, if running.
func (s *Store) Close() error {
	if s.done != nil {
		close(s.done)
	}
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// redactForLog is used by callers that want to log a credential's shape
// without leaking it, e.g. "sk-...last4".
func redactForLog(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}
