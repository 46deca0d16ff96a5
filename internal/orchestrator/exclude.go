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

package orchestrator

import "strings"

// excludeIndex filters out every entry matching one of patterns, per
// spec section 6: a trailing "/" matches a directory component
// anywhere in the path; a leading "*." matches by suffix; anything
// else matches by substring. Matching is against the full relative
// path.
func excludeIndex(paths []string, patterns []string) []string {
	if len(patterns) == 0 {
		return paths
	}
	kept := make([]string, 0, len(paths))
	for _, p := range paths {
		if !matchesAny(p, patterns) {
			kept = append(kept, p)
		}
	}
	return kept
}

func matchesAny(path string, patterns []string) bool {
	for _, pat := range patterns {
		if matchesPattern(path, pat) {
			return true
		}
	}
	return false
}

func matchesPattern(path, pat string) bool {
	switch {
	case strings.HasSuffix(pat, "/"):
		comp := strings.TrimSuffix(pat, "/")
		for _, c := range strings.Split(path, "/") {
			if c == comp {
				return true
			}
		}
		return false
	case strings.HasPrefix(pat, "*."):
		return strings.HasSuffix(path, strings.TrimPrefix(pat, "*"))
	default:
		return strings.Contains(path, pat)
	}
}
