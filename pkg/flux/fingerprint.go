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

package flux

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Canonical returns a canonical JSON encoding of v: map keys sorted, stable
// numeric encoding. Values are round-tripped through the generic JSON model
// so struct field order never leaks into the encoding.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical encoding: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonical decoding: %w", err)
	}
	// encoding/json sorts map keys on marshal.
	return json.Marshal(generic)
}

// Fingerprint computes the stable cache key for a task invocation:
// hash(workflow_name, scope_path, canonical_args).
func Fingerprint(workflow, scope string, args any) (string, error) {
	canon, err := Canonical(args)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(workflow))
	h.Write([]byte{0})
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil)), nil
}
