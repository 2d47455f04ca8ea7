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

// Package output implements the stores that hold large task outputs by
// reference, keeping the event log compact.
package output

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	fluxerrors "github.com/tombee/flux/pkg/errors"
	"github.com/tombee/flux/pkg/flux"
)

var (
	_ flux.OutputStore = (*MemoryStore)(nil)
	_ flux.OutputStore = (*FileStore)(nil)
)

// MemoryStore keeps outputs in process memory. References do not survive a
// restart; use FileStore for durability.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

// NewMemoryStore creates an empty in-memory output store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

// Store saves a value under the reference ID.
func (s *MemoryStore) Store(_ context.Context, referenceID string, value []byte) (flux.Reference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(value))
	copy(cp, value)
	s.values[referenceID] = cp

	return flux.Reference{
		StorageType: "memory",
		ReferenceID: referenceID,
		Metadata:    map[string]string{"size": strconv.Itoa(len(value))},
	}, nil
}

// Retrieve loads a value by reference.
func (s *MemoryStore) Retrieve(_ context.Context, ref flux.Reference) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.values[ref.ReferenceID]
	if !ok {
		return nil, &fluxerrors.NotFoundError{Resource: "output", ID: ref.ReferenceID}
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

// Delete removes a stored value. Deleting an unknown reference is a no-op.
func (s *MemoryStore) Delete(_ context.Context, ref flux.Reference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, ref.ReferenceID)
	return nil
}

// FileStore writes outputs to a local directory, one file per reference.
// Writes go through a temp file and rename so readers never observe a
// partial value.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, &fluxerrors.StorageError{Op: "creating output directory", Cause: err}
	}
	return &FileStore{dir: dir}, nil
}

// Store saves a value under the reference ID.
func (s *FileStore) Store(_ context.Context, referenceID string, value []byte) (flux.Reference, error) {
	path, err := s.path(referenceID)
	if err != nil {
		return flux.Reference{}, err
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-output-*")
	if err != nil {
		return flux.Reference{}, &fluxerrors.StorageError{Op: "creating output temp file", Cause: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return flux.Reference{}, &fluxerrors.StorageError{Op: "writing output", Cause: err}
	}
	if err := tmp.Close(); err != nil {
		return flux.Reference{}, &fluxerrors.StorageError{Op: "closing output temp file", Cause: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return flux.Reference{}, &fluxerrors.StorageError{Op: "publishing output", Cause: err}
	}

	return flux.Reference{
		StorageType: "filesystem",
		ReferenceID: referenceID,
		Metadata:    map[string]string{"size": strconv.Itoa(len(value))},
	}, nil
}

// Retrieve loads a value by reference.
func (s *FileStore) Retrieve(_ context.Context, ref flux.Reference) ([]byte, error) {
	path, err := s.path(ref.ReferenceID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, &fluxerrors.NotFoundError{Resource: "output", ID: ref.ReferenceID}
	}
	if err != nil {
		return nil, &fluxerrors.StorageError{Op: "reading output", Cause: err}
	}
	return data, nil
}

// Delete removes a stored value. Deleting an unknown reference is a no-op.
func (s *FileStore) Delete(_ context.Context, ref flux.Reference) error {
	path, err := s.path(ref.ReferenceID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &fluxerrors.StorageError{Op: "deleting output", Cause: err}
	}
	return nil
}

// path validates the reference ID and maps it into the store directory.
// Path separators are rejected so references cannot escape the directory.
func (s *FileStore) path(referenceID string) (string, error) {
	if referenceID == "" || referenceID != filepath.Base(referenceID) {
		return "", &fluxerrors.ValidationError{
			Field:   "reference_id",
			Message: fmt.Sprintf("invalid reference id %q", referenceID),
		}
	}
	return filepath.Join(s.dir, referenceID), nil
}
