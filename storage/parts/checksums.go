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
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"sort"
	"strings"

	"github.com/pingcap/errors"
	"github.com/twmb/murmur3"
)

// ChecksumsFormatVersion is the only manifest version this replica writes
// and understands. Older serialized manifests are refused.
const ChecksumsFormatVersion = 4

const checksumsHeader = "checksums format version: 4\n"

// Hash128 is a 128-bit content hash.
type Hash128 struct {
	Lo uint64
	Hi uint64
}

// Checksum is one manifest entry: size, hash and, for compact-map files,
// the offset of the logical sub-column inside the shared file.
type Checksum struct {
	FileSize   uint64
	FileOffset uint64
	FileHash   Hash128
}

// Checksums is the deterministic, name-ordered manifest of a data part.
type Checksums struct {
	files map[string]Checksum
}

// NewChecksums returns an empty manifest.
func NewChecksums() *Checksums {
	return &Checksums{files: make(map[string]Checksum)}
}

// AddFile records a file without an offset.
func (c *Checksums) AddFile(name string, size uint64, hash Hash128) {
	c.files[name] = Checksum{FileSize: size, FileHash: hash}
}

// AddFileOffset records a file at an offset inside a shared compact file.
func (c *Checksums) AddFileOffset(name string, offset, size uint64, hash Hash128) {
	c.files[name] = Checksum{FileSize: size, FileOffset: offset, FileHash: hash}
}

// AddEmpty records a file whose presence alone is tracked.
func (c *Checksums) AddEmpty(name string) {
	if _, ok := c.files[name]; !ok {
		c.files[name] = Checksum{}
	}
}

// Remove drops a file from the manifest.
func (c *Checksums) Remove(name string) {
	delete(c.files, name)
}

// Has reports whether the manifest tracks name.
func (c *Checksums) Has(name string) bool {
	_, ok := c.files[name]
	return ok
}

// Get returns the entry for name.
func (c *Checksums) Get(name string) (Checksum, bool) {
	sum, ok := c.files[name]
	return sum, ok
}

// Len returns the number of tracked files.
func (c *Checksums) Len() int { return len(c.files) }

// FileNames returns the tracked names in manifest (lexicographic) order.
func (c *Checksums) FileNames() []string {
	names := make([]string, 0, len(c.files))
	for name := range c.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns an independent copy.
func (c *Checksums) Clone() *Checksums {
	cloned := NewChecksums()
	for name, sum := range c.files {
		cloned.files[name] = sum
	}
	return cloned
}

// Equal reports whether the entry for name is byte-identical in both
// manifests, offsets aside (offsets legitimately differ between replicas
// for compact-map files).
func (c *Checksums) Equal(other *Checksums, name string) bool {
	mine, ok := c.files[name]
	if !ok {
		return false
	}
	theirs, ok := other.files[name]
	if !ok {
		return false
	}
	return mine.FileSize == theirs.FileSize && mine.FileHash == theirs.FileHash
}

// TotalSizeOnDisk sums the recorded file sizes.
func (c *Checksums) TotalSizeOnDisk() uint64 {
	var total uint64
	for _, sum := range c.files {
		total += sum.FileSize
	}
	return total
}

// TotalChecksum combines every entry into one 128-bit hash, independent of
// insertion order.
func (c *Checksums) TotalChecksum() Hash128 {
	h := murmur3.New128()
	var buf [8]byte
	for _, name := range c.FileNames() {
		sum := c.files[name]
		_, _ = h.Write([]byte(name))
		binary.LittleEndian.PutUint64(buf[:], sum.FileSize)
		_, _ = h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], sum.FileHash.Lo)
		_, _ = h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], sum.FileHash.Hi)
		_, _ = h.Write(buf[:])
	}
	lo, hi := h.Sum128()
	return Hash128{Lo: lo, Hi: hi}
}

// CheckEqual verifies that both manifests describe the same file contents.
// With strict false, files missing from other are ignored in the reverse
// direction only when other has no entry at all for them.
func (c *Checksums) CheckEqual(other *Checksums, strict bool) error {
	for _, name := range other.FileNames() {
		theirs := other.files[name]
		mine, ok := c.files[name]
		if !ok {
			return errors.Errorf("no checksum for file %s", name)
		}
		if mine.FileSize != theirs.FileSize {
			return errors.Errorf("unexpected size of file %s: %d instead of %d", name, theirs.FileSize, mine.FileSize)
		}
		if mine.FileHash != theirs.FileHash {
			return errors.Errorf("checksum mismatch for file %s", name)
		}
	}
	if strict {
		for _, name := range c.FileNames() {
			if _, ok := other.files[name]; !ok {
				return errors.Errorf("file %s is missing from the peer manifest", name)
			}
		}
	}
	return nil
}

// AdjustImplicitKeyOffset aligns the offsets of compact-map entries with the
// running manifest collected during a fetch; sizes and hashes must already
// match. Returns true when anything changed.
func (c *Checksums) AdjustImplicitKeyOffset(running *Checksums) bool {
	changed := false
	for name, mine := range c.files {
		if !IsMapImplicitFile(name) {
			continue
		}
		theirs, ok := running.files[name]
		if !ok {
			continue
		}
		if mine.FileSize == theirs.FileSize && mine.FileHash == theirs.FileHash && mine.FileOffset != theirs.FileOffset {
			mine.FileOffset = theirs.FileOffset
			c.files[name] = mine
			changed = true
		}
	}
	return changed
}

// Write serializes the manifest. The format is versioned and ordered by
// file name; nothing relies on map iteration order.
func (c *Checksums) Write(w io.Writer) error {
	if _, err := io.WriteString(w, checksumsHeader); err != nil {
		return errors.Trace(err)
	}
	var buf [binary.MaxVarintLen64]byte
	writeUvarint := func(v uint64) error {
		n := binary.PutUvarint(buf[:], v)
		_, err := w.Write(buf[:n])
		return err
	}
	if err := writeUvarint(uint64(len(c.files))); err != nil {
		return errors.Trace(err)
	}
	for _, name := range c.FileNames() {
		sum := c.files[name]
		if err := writeUvarint(uint64(len(name))); err != nil {
			return errors.Trace(err)
		}
		if _, err := io.WriteString(w, name); err != nil {
			return errors.Trace(err)
		}
		if err := writeUvarint(sum.FileSize); err != nil {
			return errors.Trace(err)
		}
		if err := writeUvarint(sum.FileOffset); err != nil {
			return errors.Trace(err)
		}
		var hash [16]byte
		binary.LittleEndian.PutUint64(hash[:8], sum.FileHash.Lo)
		binary.LittleEndian.PutUint64(hash[8:], sum.FileHash.Hi)
		if _, err := w.Write(hash[:]); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Read deserializes a manifest. ok is false when the serialized version is
// unknown (a replica too old or too new); err reports anything else.
func (c *Checksums) Read(r *bufio.Reader) (ok bool, err error) {
	header := make([]byte, len(checksumsHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return false, errors.Trace(err)
	}
	if string(header) != checksumsHeader {
		return false, nil
	}
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return false, errors.Trace(err)
	}
	for i := uint64(0); i < count; i++ {
		nameLen, err := binary.ReadUvarint(r)
		if err != nil {
			return false, errors.Trace(err)
		}
		if nameLen > maxWireStringLength {
			return false, errors.Errorf("file name of %d bytes in checksums", nameLen)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return false, errors.Trace(err)
		}
		size, err := binary.ReadUvarint(r)
		if err != nil {
			return false, errors.Trace(err)
		}
		offset, err := binary.ReadUvarint(r)
		if err != nil {
			return false, errors.Trace(err)
		}
		var hash [16]byte
		if _, err := io.ReadFull(r, hash[:]); err != nil {
			return false, errors.Trace(err)
		}
		c.files[string(name)] = Checksum{
			FileSize:   size,
			FileOffset: offset,
			FileHash: Hash128{
				Lo: binary.LittleEndian.Uint64(hash[:8]),
				Hi: binary.LittleEndian.Uint64(hash[8:]),
			},
		}
	}
	return true, nil
}

// Serialized renders the manifest as the string posted in an incremental
// fetch request body.
func (c *Checksums) Serialized() string {
	var sb bytes.Buffer
	// Writing to a bytes.Buffer cannot fail.
	_ = c.Write(&sb)
	return sb.String()
}

// ParseChecksums parses a manifest produced by Serialized.
func ParseChecksums(s string) (*Checksums, bool, error) {
	c := NewChecksums()
	ok, err := c.Read(bufio.NewReader(strings.NewReader(s)))
	return c, ok, err
}

// maxWireStringLength bounds every length-prefixed string read from a peer.
const maxWireStringLength = 1 << 24
