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

package secrets

import (
	"encoding/base64"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	internalerrors "github.com/jordigilh/errorscope/internal/errors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secrets.json")
	s, err := Open(path, "correct horse battery staple", 2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_RoundTripsPlaintext(t *testing.T) {
	s := openTestStore(t)

	meta, err := s.Store("openai", "sk-super-secret-key", StoreOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, meta.Version)

	got, err := s.Get("openai")
	require.NoError(t, err)
	require.Equal(t, "sk-super-secret-key", got)
}

func TestStore_TamperedCiphertextFailsAuthentication(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Store("openai", "sk-super-secret-key", StoreOptions{})
	require.NoError(t, err)

	rec := s.doc.Keys["openai"]
	raw, err := base64.StdEncoding.DecodeString(rec.Ciphertext)
	require.NoError(t, err)
	raw[0] ^= 0xFF // flip a bit to simulate on-disk tampering
	rec.Ciphertext = base64.StdEncoding.EncodeToString(raw)
	s.doc.Keys["openai"] = rec

	_, err = s.Get("openai")
	require.Error(t, err)
	require.True(t, errors.Is(err, internalerrors.ErrDecryptFailure))
}

func TestStore_TamperedKeyIDBreaksAAD(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Store("openai", "sk-super-secret-key", StoreOptions{})
	require.NoError(t, err)

	rec := s.doc.Keys["openai"]
	rec.KeyID = "anthropic" // AAD mismatch
	s.doc.Keys["anthropic"] = rec
	delete(s.doc.Keys, "openai")

	_, err = s.Get("anthropic")
	require.Error(t, err)
	require.True(t, errors.Is(err, internalerrors.ErrDecryptFailure))
}

func TestStore_GetFallsBackToEnvWhenUnset(t *testing.T) {
	s := openTestStore(t)
	t.Setenv("MISTRAL_API_KEY", "env-provided-key")

	got, err := s.Get("mistral")
	require.NoError(t, err)
	require.Equal(t, "env-provided-key", got)
}

func TestStore_RotateArchivesPreviousVersionAndPrunesBackups(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Store("openai", "key-v1", StoreOptions{})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := s.Rotate("openai", "key-v"+string(rune('2'+i)))
		require.NoError(t, err)
	}

	got, err := s.Get("openai")
	require.NoError(t, err)
	require.NotEqual(t, "key-v1", got)

	backups := 0
	for k := range s.doc.Keys {
		if len(k) > len("openai_backup_") && k[:len("openai_backup_")] == "openai_backup_" {
			backups++
		}
	}
	require.LessOrEqual(t, backups, 2, "pruneBackups must enforce backupRetain")
}

func TestOpen_RejectsShortPassphrase(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "s.json"), "short", 1, nil)
	require.Error(t, err)
}

func TestOpen_RejectsKnownInsecureDefault(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "s.json"), "changeme", 1, nil)
	require.Error(t, err)
}

func TestOpen_GeneratesEphemeralPassphraseWhenEmpty(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "s.json"), "", 1, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Store("openai", "sk-whatever", StoreOptions{})
	require.NoError(t, err)
	got, err := s.Get("openai")
	require.NoError(t, err)
	require.Equal(t, "sk-whatever", got)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	s, err := Open(path, "correct horse battery staple", 2, nil)
	require.NoError(t, err)
	_, err = s.Store("openai", "sk-persisted", StoreOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(path, "correct horse battery staple", 2, nil)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get("openai")
	require.NoError(t, err)
	require.Equal(t, "sk-persisted", got)
}

func TestStore_WrongPassphraseFailsDecryption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	s, err := Open(path, "correct horse battery staple", 2, nil)
	require.NoError(t, err)
	_, err = s.Store("openai", "sk-persisted", StoreOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	wrong, err := Open(path, "totally different passphrase!!", 2, nil)
	require.NoError(t, err)
	defer wrong.Close()

	_, err = wrong.Get("openai")
	require.Error(t, err)
	require.True(t, errors.Is(err, internalerrors.ErrDecryptFailure))
}

func TestStore_WatchExternalRotationPicksUpOutOfBandRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	writer, err := Open(path, "correct horse battery staple", 2, nil)
	require.NoError(t, err)
	_, err = writer.Store("openai", "sk-original", StoreOptions{})
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	reader, err := Open(path, "correct horse battery staple", 2, nil)
	require.NoError(t, err)
	defer reader.Close()

	require.NoError(t, reader.WatchExternalRotation())

	_, err = writer.Store("openai", "sk-rotated-externally", StoreOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := reader.Get("openai")
		return err == nil && got == "sk-rotated-externally"
	}, 2*time.Second, 10*time.Millisecond, "reader should pick up the externally rewritten file")
}

func TestStore_CloseWithoutWatchIsSafe(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Close())
}

func TestRedactForLog_PreservesOnlyPrefixAndSuffix(t *testing.T) {
	require.Equal(t, "****", redactForLog("short"))
	redacted := redactForLog("sk-1234567890abcdef")
	require.True(t, strings.HasPrefix(redacted, "sk-1"))
	require.True(t, strings.HasSuffix(redacted, "cdef"))
	require.NotContains(t, redacted, "567890ab")
}
