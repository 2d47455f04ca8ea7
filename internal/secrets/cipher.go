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

// Package secrets implements the encrypted secret store. Values are sealed
// with AES-256-GCM under a key derived from the master key with argon2id;
// only ciphertext ever reaches the storage backend.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	saltSize     = 16
	gcmNonceSize = 12

	argon2Time        = 3
	argon2Memory      = 64 * 1024 // 64MB in KB
	argon2Parallelism = 4
	argon2KeyLength   = 32 // 256 bits for AES-256
)

var (
	// ErrInvalidCiphertext is returned when ciphertext cannot be decrypted.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrEmptyMasterKey is returned when no master key material is provided.
	ErrEmptyMasterKey = errors.New("master key must not be empty")
)

// Cipher seals and opens secret values. Each Seal derives a fresh AES key
// from the master key and a random salt, so identical plaintexts never
// produce identical ciphertexts.
//
// Ciphertext layout:
//
//	[salt (16 bytes)][nonce (12 bytes)][encrypted data + auth tag]
type Cipher struct {
	masterKey []byte
}

// NewCipher creates a cipher over the given master key material.
func NewCipher(masterKey []byte) (*Cipher, error) {
	if len(masterKey) == 0 {
		return nil, ErrEmptyMasterKey
	}
	cp := make([]byte, len(masterKey))
	copy(cp, masterKey)
	return &Cipher{masterKey: cp}, nil
}

// Seal encrypts a plaintext value.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	aead, err := c.aead(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+gcmNonceSize+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Open decrypts a ciphertext produced by Seal. Tampered or truncated input
// fails authentication.
func (c *Cipher) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < saltSize+gcmNonceSize {
		return nil, fmt.Errorf("%w: too short", ErrInvalidCiphertext)
	}

	salt := ciphertext[:saltSize]
	nonce := ciphertext[saltSize : saltSize+gcmNonceSize]
	sealed := ciphertext[saltSize+gcmNonceSize:]

	aead, err := c.aead(salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return plaintext, nil
}

// aead derives the per-value AES-256-GCM cipher from the master key and salt.
func (c *Cipher) aead(salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(c.masterKey, salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

// GenerateKey creates a cryptographically secure random 32-byte master key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
