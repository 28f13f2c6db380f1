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
	"io"

	"github.com/pingcap/errors"
	"github.com/twmb/murmur3"

	"github.com/Mu-L/ByConity/storage/parts"
)

const copyChunkSize = 32 * 1024

// hashingWriter tees written bytes into a streaming 128-bit hash and counts
// them, mirroring what the peer computes on its side of the wire.
type hashingWriter struct {
	w io.Writer
	h murmur3.Hash128
	n uint64
}

func newHashingWriter(w io.Writer) *hashingWriter {
	return &hashingWriter{w: w, h: murmur3.New128()}
}

func (hw *hashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	if n > 0 {
		_, _ = hw.h.Write(p[:n])
		hw.n += uint64(n)
	}
	return n, errors.Trace(err)
}

// Count returns the bytes written so far.
func (hw *hashingWriter) Count() uint64 { return hw.n }

// Hash returns the running 128-bit hash.
func (hw *hashingWriter) Hash() parts.Hash128 {
	lo, hi := hw.h.Sum128()
	return parts.Hash128{Lo: lo, Hi: hi}
}

// copyWithThrottler copies src to dst until EOF, polling the blocker and
// feeding the throttler between chunks.
func copyWithThrottler(dst io.Writer, src io.Reader, blocker *ActionBlocker, throttler *Throttler) (uint64, error) {
	buf := make([]byte, copyChunkSize)
	var total uint64
	for {
		if blocker.IsCancelled() {
			return total, errors.Trace(ErrAborted)
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, errors.Trace(werr)
			}
			total += uint64(n)
			throttler.Add(uint64(n))
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, errors.Trace(err)
		}
	}
}

// copyExactWithThrottler copies exactly size bytes from src to dst, polling
// the blocker and feeding the throttler between chunks. A short source is
// an error: the frame header promised size bytes.
func copyExactWithThrottler(dst io.Writer, src io.Reader, size uint64, blocker *ActionBlocker, throttler *Throttler) error {
	buf := make([]byte, copyChunkSize)
	remaining := size
	for remaining > 0 {
		if blocker.IsCancelled() {
			return errors.Trace(ErrAborted)
		}
		chunk := uint64(len(buf))
		if chunk > remaining {
			chunk = remaining
		}
		n, err := io.ReadFull(src, buf[:chunk])
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return errors.Trace(werr)
			}
			remaining -= uint64(n)
			throttler.Add(uint64(n))
		}
		if err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
