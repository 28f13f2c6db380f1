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

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
)

// PartType is the storage layout of a data part.
type PartType string

const (
	// Wide stores every column in its own file pair.
	Wide PartType = "Wide"
	// Compact stores all columns in one shared data file.
	Compact PartType = "Compact"
	// InMemory keeps the part as a block in memory; it is replicated as a
	// native block stream.
	InMemory PartType = "InMemory"
)

// ParsePartType validates a part type read from a peer.
func ParsePartType(s string) (PartType, error) {
	switch PartType(s) {
	case Wide, Compact, InMemory:
		return PartType(s), nil
	}
	return "", errors.Errorf("unknown part type %q", s)
}

const ttlInfosHeader = "ttl format version: 1\n"

// TTLInfos is the TTL summary a part carries; the receiver feeds it into the
// reservation policy.
type TTLInfos struct {
	MinTTL uint64
	MaxTTL uint64
}

// String serializes the TTL infos the way they travel on the wire.
func (t TTLInfos) String() string {
	return fmt.Sprintf("%smin: %d\nmax: %d\n", ttlInfosHeader, t.MinTTL, t.MaxTTL)
}

// ParseTTLInfos parses a serialized TTLInfos.
func ParseTTLInfos(s string) (TTLInfos, error) {
	rest, ok := strings.CutPrefix(s, ttlInfosHeader)
	if !ok {
		return TTLInfos{}, errors.Errorf("bad ttl infos header")
	}
	var t TTLInfos
	if _, err := fmt.Sscanf(rest, "min: %d\nmax: %d\n", &t.MinTTL, &t.MaxTTL); err != nil {
		return TTLInfos{}, errors.Trace(err)
	}
	return t, nil
}

// PartInfo is the decomposition of a part name.
type PartInfo struct {
	PartitionID string
	MinBlock    int64
	MaxBlock    int64
	Level       int64
	Mutation    int64
}

// ParsePartName validates and decomposes a part name. Part names arrive
// from peers that may be malicious, so the format is checked strictly:
// <partition>_<min>_<max>_<level>[_<mutation>], with no path characters
// anywhere.
func ParsePartName(name string) (PartInfo, error) {
	if name == "" || strings.ContainsAny(name, "/.") {
		return PartInfo{}, errors.Errorf("invalid part name %q", name)
	}
	fields := strings.Split(name, "_")
	if len(fields) != 4 && len(fields) != 5 {
		return PartInfo{}, errors.Errorf("invalid part name %q", name)
	}
	if fields[0] == "" {
		return PartInfo{}, errors.Errorf("invalid part name %q", name)
	}
	info := PartInfo{PartitionID: fields[0]}
	numbers := make([]int64, 0, 4)
	for _, field := range fields[1:] {
		n, err := strconv.ParseInt(field, 10, 64)
		if err != nil || n < 0 {
			return PartInfo{}, errors.Errorf("invalid part name %q", name)
		}
		numbers = append(numbers, n)
	}
	info.MinBlock, info.MaxBlock, info.Level = numbers[0], numbers[1], numbers[2]
	if len(numbers) == 4 {
		info.Mutation = numbers[3]
	}
	if info.MinBlock > info.MaxBlock {
		return PartInfo{}, errors.Errorf("invalid part name %q", name)
	}
	return info, nil
}

// Part is one immutable data part: a directory of files with a checksums
// manifest, optional projection sub-parts, and a disk it lives on.
type Part struct {
	Name      string
	Info      PartInfo
	UUID      uuid.UUID
	Type      PartType
	TTLInfos  TTLInfos
	Checksums *Checksums
	// FileNamesWithoutChecksums are files whose presence alone is tracked.
	FileNamesWithoutChecksums []string
	EnableCompactMapData      bool
	Projections               map[string]*Part
	Disk                      Disk
	// RelativePath is the part directory relative to the disk root.
	RelativePath string
	// Block holds the data of an InMemory part.
	Block *Block
	// MinMax maps a column to its [min, max] values, rederived when an
	// InMemory part is materialized.
	MinMax map[string][2]string
	IsTemp bool

	parent *Part
}

// IsProjectionPart reports whether this is a nested projection sub-part.
func (p *Part) IsProjectionPart() bool { return p.parent != nil }

// ParentPart returns the owning part of a projection sub-part.
func (p *Part) ParentPart() *Part { return p.parent }

// AddProjection attaches a projection sub-part.
func (p *Part) AddProjection(name string, proj *Part) {
	if p.Projections == nil {
		p.Projections = make(map[string]*Part)
	}
	proj.parent = p
	p.Projections[name] = proj
}

// ProjectionNames returns projection names in the stable per-part order the
// sender iterates them in.
func (p *Part) ProjectionNames() []string {
	names := make([]string, 0, len(p.Projections))
	for name := range p.Projections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FilePath returns the disk-relative path of one file of the part.
func (p *Part) FilePath(name string) string {
	return path.Join(p.RelativePath, name)
}

// HasFileWithoutChecksum reports whether name is a presence-only file.
func (p *Part) HasFileWithoutChecksum(name string) bool {
	for _, fn := range p.FileNamesWithoutChecksums {
		if fn == name {
			return true
		}
	}
	return false
}

// DefaultCompressionCodecFileName carries the part's default codec; peers
// below protocol v4 do not know about it.
const DefaultCompressionCodecFileName = "default_compression_codec"

// Suffixes of dictionary-compression sidecar files. They are re-derivable,
// so the sender never streams them; the sender still folds their checksums
// into the manifest of its own self-check. The receiver's running manifest
// has no entries for them.
const (
	CompressionDataFileExtension  = ".cdata"
	CompressionMarksFileExtension = ".cmrk"
)

// ChecksumsFileName and ColumnsFileName are metadata files that are
// transferred but never verified against the manifest (they describe it).
const (
	ChecksumsFileName = "checksums.txt"
	ColumnsFileName   = "columns.txt"
)
