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

	"github.com/tombee/flux/internal/storage"
	fluxerrors "github.com/tombee/flux/pkg/errors"
	"github.com/tombee/flux/pkg/flux"
)

var _ flux.SecretResolver = (*Store)(nil)

// Store is the server-side secret store: encryption at rest over any
// storage.SecretStore.
type Store struct {
	cipher  *Cipher
	backend storage.SecretStore
}

// NewStore creates a store sealing values with the given cipher.
func NewStore(cipher *Cipher, backend storage.SecretStore) *Store {
	return &Store{cipher: cipher, backend: backend}
}

// Set encrypts and stores a secret value.
func (s *Store) Set(ctx context.Context, name, value string) error {
	if name == "" {
		return &fluxerrors.ValidationError{Field: "name", Message: "secret name must not be empty"}
	}
	ciphertext, err := s.cipher.Seal([]byte(value))
	if err != nil {
		return &fluxerrors.StorageError{Op: "sealing secret", Cause: err}
	}
	return s.backend.PutSecret(ctx, name, ciphertext)
}

// Get decrypts one secret value.
func (s *Store) Get(ctx context.Context, name string) (string, error) {
	ciphertext, err := s.backend.GetSecret(ctx, name)
	if err != nil {
		return "", err
	}
	plaintext, err := s.cipher.Open(ciphertext)
	if err != nil {
		return "", &fluxerrors.StorageError{Op: "opening secret", Cause: err}
	}
	return string(plaintext), nil
}

// List returns the stored secret names. Values are never listed.
func (s *Store) List(ctx context.Context) ([]string, error) {
	return s.backend.ListSecretNames(ctx)
}

// Delete removes a secret.
func (s *Store) Delete(ctx context.Context, name string) error {
	return s.backend.DeleteSecret(ctx, name)
}

// Resolve implements flux.SecretResolver. Resolution is atomic: if any
// requested name is missing, no values are returned and the error names
// every missing secret.
func (s *Store) Resolve(ctx context.Context, names []string) (map[string]string, error) {
	values := make(map[string]string, len(names))
	var missing []string
	for _, name := range names {
		v, err := s.Get(ctx, name)
		if err != nil {
			if fluxerrors.KindOf(err) == fluxerrors.KindNotFound {
				missing = append(missing, name)
				continue
			}
			return nil, err
		}
		values[name] = v
	}
	if len(missing) > 0 {
		return nil, &fluxerrors.SecretMissingError{Names: missing}
	}
	return values, nil
}
