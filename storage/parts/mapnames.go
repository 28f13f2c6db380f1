// Copyright 2023 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package parts

import "strings"

// Compact map storage keeps every logical sub-column of a map column inside
// one shared file. An implicit sub-column file is named
// __<column>__<key>.<ext> and maps onto <column>.<ext> at a recorded offset.

// IsMapImplicitFile reports whether name is a compact-map implicit
// sub-column file.
func IsMapImplicitFile(name string) bool {
	if !strings.HasPrefix(name, "__") {
		return false
	}
	rest := name[2:]
	sep := strings.Index(rest, "__")
	if sep <= 0 {
		return false
	}
	key := rest[sep+2:]
	return key != "" && strings.Contains(key, ".")
}

// MapFileNameFromImplicitFileName returns the shared file an implicit
// sub-column file appends to: __clicks__region.bin -> clicks.bin. Names that
// are not implicit are returned unchanged.
func MapFileNameFromImplicitFileName(name string) string {
	if !IsMapImplicitFile(name) {
		return name
	}
	rest := name[2:]
	sep := strings.Index(rest, "__")
	column := rest[:sep]
	key := rest[sep+2:]
	ext := key[strings.Index(key, "."):]
	return column + ext
}
