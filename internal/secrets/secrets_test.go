// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package secrets

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flux/internal/storage/memory"
	fluxerrors "github.com/tombee/flux/pkg/errors"
)

func TestCipherRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	c, err := NewCipher(key)
	require.NoError(t, err)

	ciphertext, err := c.Seal([]byte("hunter2"))
	require.NoError(t, err)
	assert.NotContains(t, string(ciphertext), "hunter2")

	plaintext, err := c.Open(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(plaintext))
}

func TestCipherUniqueCiphertexts(t *testing.T) {
	c, err := NewCipher([]byte("passphrase"))
	require.NoError(t, err)

	a, err := c.Seal([]byte("same"))
	require.NoError(t, err)
	b, err := c.Seal([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "random salt and nonce must differ per seal")
}

func TestCipherRejectsTampering(t *testing.T) {
	c, err := NewCipher([]byte("passphrase"))
	require.NoError(t, err)

	ciphertext, err := c.Seal([]byte("value"))
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0xff
	_, err = c.Open(ciphertext)
	require.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = c.Open([]byte("short"))
	require.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestCipherWrongKey(t *testing.T) {
	c1, err := NewCipher([]byte("key-one"))
	require.NoError(t, err)
	c2, err := NewCipher([]byte("key-two"))
	require.NoError(t, err)

	ciphertext, err := c1.Seal([]byte("value"))
	require.NoError(t, err)

	_, err = c2.Open(ciphertext)
	require.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestNewCipherEmptyKey(t *testing.T) {
	_, err := NewCipher(nil)
	require.ErrorIs(t, err, ErrEmptyMasterKey)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	c, err := NewCipher([]byte("test master key"))
	require.NoError(t, err)
	return NewStore(c, memory.New())
}

func TestStoreSetGetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "API_KEY", "s3cret"))

	v, err := s.Get(ctx, "API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"API_KEY"}, names)

	require.NoError(t, s.Delete(ctx, "API_KEY"))
	_, err = s.Get(ctx, "API_KEY")
	require.Error(t, err)
	assert.Equal(t, fluxerrors.KindNotFound, fluxerrors.KindOf(err))
}

func TestStoreSetOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "TOKEN", "old"))
	require.NoError(t, s.Set(ctx, "TOKEN", "new"))

	v, err := s.Get(ctx, "TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "new", v)
}

func TestStoreResolveAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "A", "1"))
	require.NoError(t, s.Set(ctx, "B", "2"))

	values, err := s.Resolve(ctx, []string{"A", "B"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, values)

	// One missing name fails the whole resolution and reports all misses.
	values, err = s.Resolve(ctx, []string{"A", "C", "D"})
	require.Error(t, err)
	assert.Nil(t, values)

	var missing *fluxerrors.SecretMissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"C", "D"}, missing.Names)
}

func TestLoadMasterKeyEnv(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	t.Setenv(MasterKeyEnv, base64.StdEncoding.EncodeToString(key))

	got, err := LoadMasterKey("env", "")
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestLoadMasterKeyEnvMissing(t *testing.T) {
	t.Setenv(MasterKeyEnv, "")
	_, err := LoadMasterKey("env", "")
	require.Error(t, err)
}

func TestLoadMasterKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")
	require.NoError(t, os.WriteFile(path, []byte("a passphrase key\n"), 0o600))

	got, err := LoadMasterKey("file", path)
	require.NoError(t, err)
	assert.Equal(t, []byte("a passphrase key"), got)
}

func TestLoadMasterKeyUnknownSource(t *testing.T) {
	_, err := LoadMasterKey("vault", "")
	require.Error(t, err)
}
