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

package exchange

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/google/uuid"
	"github.com/pingcap/errors"

	"github.com/Mu-L/ByConity/storage/parts"
)

// Binary wire encodings: unsigned integers little-endian, booleans one
// byte, strings varint-length-prefixed, 128-bit hashes raw 16 bytes, UUIDs
// 36-character text.

const maxWireStringLength = 1 << 24

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return errors.Trace(err)
}

func readUint64(r *bufio.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errors.Trace(err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func writeBool(w io.Writer, v bool) error {
	b := byte(0)
	if v {
		b = 1
	}
	_, err := w.Write([]byte{b})
	return errors.Trace(err)
}

func readBool(r *bufio.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, errors.Trace(err)
	}
	return b != 0, nil
}

func writeString(w io.Writer, s string) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(s)))
	if _, err := w.Write(buf[:n]); err != nil {
		return errors.Trace(err)
	}
	_, err := io.WriteString(w, s)
	return errors.Trace(err)
}

func readString(r *bufio.Reader) (string, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return "", errors.Trace(err)
	}
	if length > maxWireStringLength {
		return "", errors.Annotatef(ErrCorruptedData, "string of %d bytes on the wire", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", errors.Trace(err)
	}
	return string(buf), nil
}

func writeHash(w io.Writer, h parts.Hash128) error {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], h.Lo)
	binary.LittleEndian.PutUint64(buf[8:], h.Hi)
	_, err := w.Write(buf[:])
	return errors.Trace(err)
}

func readHash(r *bufio.Reader) (parts.Hash128, error) {
	var buf [16]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return parts.Hash128{}, errors.Trace(err)
	}
	return parts.Hash128{
		Lo: binary.LittleEndian.Uint64(buf[:8]),
		Hi: binary.LittleEndian.Uint64(buf[8:]),
	}, nil
}

func writeUUIDText(w io.Writer, id uuid.UUID) error {
	_, err := io.WriteString(w, id.String())
	return errors.Trace(err)
}

func readUUIDText(r *bufio.Reader) (uuid.UUID, error) {
	buf := make([]byte, 36)
	if _, err := io.ReadFull(r, buf); err != nil {
		return uuid.Nil, errors.Trace(err)
	}
	id, err := uuid.ParseBytes(buf)
	if err != nil {
		return uuid.Nil, errors.Annotate(ErrCorruptedData, err.Error())
	}
	return id, nil
}

// assertEOF fails unless the stream is fully consumed.
func assertEOF(r *bufio.Reader) error {
	if _, err := r.ReadByte(); err != io.EOF {
		return errors.Annotate(ErrCorruptedData, "unexpected data after the last frame")
	}
	return nil
}
