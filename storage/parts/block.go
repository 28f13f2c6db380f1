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
	"encoding/binary"
	"io"

	"github.com/pingcap/errors"
	"github.com/twmb/murmur3"
)

// ColumnData is one column of an in-memory block.
type ColumnData struct {
	Name   string
	Type   string
	Values []string
}

// Block is the in-memory representation of an InMemory part: a set of
// equally sized columns. It travels between replicas as a native block
// stream.
type Block struct {
	Columns []ColumnData
}

// RowCount returns the number of rows.
func (b *Block) RowCount() int {
	if len(b.Columns) == 0 {
		return 0
	}
	return len(b.Columns[0].Values)
}

// Bytes returns the approximate payload size, used for throttling.
func (b *Block) Bytes() uint64 {
	var total uint64
	for _, col := range b.Columns {
		total += uint64(len(col.Name) + len(col.Type))
		for _, v := range col.Values {
			total += uint64(len(v))
		}
	}
	return total
}

func writeBlockString(w io.Writer, s string) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(s)))
	if _, err := w.Write(buf[:n]); err != nil {
		return errors.Trace(err)
	}
	_, err := io.WriteString(w, s)
	return errors.Trace(err)
}

func readBlockString(r *bufio.Reader) (string, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return "", errors.Trace(err)
	}
	if length > maxWireStringLength {
		return "", errors.Errorf("block string of %d bytes", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", errors.Trace(err)
	}
	return string(buf), nil
}

// WriteBlock serializes a block as a native stream frame.
func WriteBlock(w io.Writer, b *Block) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(b.Columns)))
	if _, err := w.Write(buf[:n]); err != nil {
		return errors.Trace(err)
	}
	n = binary.PutUvarint(buf[:], uint64(b.RowCount()))
	if _, err := w.Write(buf[:n]); err != nil {
		return errors.Trace(err)
	}
	for _, col := range b.Columns {
		if err := writeBlockString(w, col.Name); err != nil {
			return err
		}
		if err := writeBlockString(w, col.Type); err != nil {
			return err
		}
		for _, v := range col.Values {
			if err := writeBlockString(w, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadBlock deserializes a native stream frame.
func ReadBlock(r *bufio.Reader) (*Block, error) {
	columnCount, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, errors.Trace(err)
	}
	rowCount, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if columnCount > 1<<16 || rowCount > 1<<32 {
		return nil, errors.Errorf("implausible native block: %d columns, %d rows", columnCount, rowCount)
	}
	block := &Block{Columns: make([]ColumnData, 0, columnCount)}
	for i := uint64(0); i < columnCount; i++ {
		name, err := readBlockString(r)
		if err != nil {
			return nil, err
		}
		typ, err := readBlockString(r)
		if err != nil {
			return nil, err
		}
		col := ColumnData{Name: name, Type: typ, Values: make([]string, 0, rowCount)}
		for j := uint64(0); j < rowCount; j++ {
			v, err := readBlockString(r)
			if err != nil {
				return nil, err
			}
			col.Values = append(col.Values, v)
		}
		block.Columns = append(block.Columns, col)
	}
	return block, nil
}

// BlockChecksums derives the per-column manifest of an in-memory part. Both
// the sender and the receiver derive it from the block, so a successful
// comparison proves the stream arrived intact.
func BlockChecksums(b *Block) *Checksums {
	checksums := NewChecksums()
	for _, col := range b.Columns {
		h := murmur3.New128()
		var size uint64
		_, _ = h.Write([]byte(col.Type))
		for _, v := range col.Values {
			_, _ = h.Write([]byte(v))
			size += uint64(len(v))
		}
		lo, hi := h.Sum128()
		checksums.AddFile(col.Name+".bin", size, Hash128{Lo: lo, Hi: hi})
	}
	return checksums
}

// MinMaxOf rederives the per-column min/max index of a block.
func MinMaxOf(b *Block) map[string][2]string {
	minmax := make(map[string][2]string, len(b.Columns))
	for _, col := range b.Columns {
		if len(col.Values) == 0 {
			continue
		}
		lo, hi := col.Values[0], col.Values[0]
		for _, v := range col.Values[1:] {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		minmax[col.Name] = [2]string{lo, hi}
	}
	return minmax
}
