/*
 * Copyright 2026 The FileRipper Team
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package store

import (
	"fmt"

	"github.com/cockroachdb/pebble"
)

const metaPrefix = "meta/"

// SetMeta persists a small scalar under key, scoped to the project.
// Used by the scanner to remember last-full-scan time and strategy
// tag (the ScanCache of spec section 3) across runs.
func (s *Store) SetMeta(key, value string) error {
	k := []byte(metaPrefix + s.project + "/" + key)
	if err := s.db.Set(k, []byte(value), pebble.Sync); err != nil {
		return fmt.Errorf("store: set meta %s: %w", key, err)
	}
	return nil
}

// GetMeta returns the value previously set via SetMeta, or ok=false.
func (s *Store) GetMeta(key string) (string, bool, error) {
	k := []byte(metaPrefix + s.project + "/" + key)
	v, closer, err := s.db.Get(k)
	if err == pebble.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get meta %s: %w", key, err)
	}
	defer closer.Close()
	return string(v), true, nil
}
