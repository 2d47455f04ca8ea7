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
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	// MasterKeyEnv is the environment variable holding the master key.
	MasterKeyEnv = "FLUX_MASTER_KEY"

	keyringService = "flux"
	keyringUser    = "master-key"
)

// LoadMasterKey resolves the master key from the configured source:
// "env" reads MasterKeyEnv, "file" reads the given path, "keyring" uses the
// OS keyring and generates a key on first use.
func LoadMasterKey(source, file string) ([]byte, error) {
	switch source {
	case "", "env":
		v := os.Getenv(MasterKeyEnv)
		if v == "" {
			return nil, fmt.Errorf("%s is not set", MasterKeyEnv)
		}
		return decodeKey(v)

	case "file":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading master key file: %w", err)
		}
		return decodeKey(strings.TrimSpace(string(data)))

	case "keyring":
		v, err := keyring.Get(keyringService, keyringUser)
		if err == nil {
			return decodeKey(v)
		}
		if err != keyring.ErrNotFound {
			return nil, fmt.Errorf("reading master key from keyring: %w", err)
		}
		key, err := GenerateKey()
		if err != nil {
			return nil, err
		}
		if err := keyring.Set(keyringService, keyringUser, base64.StdEncoding.EncodeToString(key)); err != nil {
			return nil, fmt.Errorf("storing master key in keyring: %w", err)
		}
		return key, nil

	default:
		return nil, fmt.Errorf("unknown master key source %q", source)
	}
}

// decodeKey accepts base64-encoded key material, falling back to the raw
// bytes for passphrase-style keys. argon2id stretches either form.
func decodeKey(v string) ([]byte, error) {
	if v == "" {
		return nil, ErrEmptyMasterKey
	}
	if decoded, err := base64.StdEncoding.DecodeString(v); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	return []byte(v), nil
}
