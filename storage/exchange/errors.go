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

import "github.com/pingcap/errors"

// Typed failures of the part exchange. Callers classify with errors.Is; the
// annotation chain names the failing stage.
var (
	// ErrValidation covers malformed part names and illegal tmp prefixes.
	ErrValidation = errors.New("invalid part exchange input")
	// ErrNoSuchDataPart is returned when the requested part is unknown.
	ErrNoSuchDataPart = errors.New("no such data part")
	// ErrAborted is returned when the blocker cancelled a transfer.
	ErrAborted = errors.New("transfer was cancelled")
	// ErrBadSizeOfFile is returned when a file yields a different byte count
	// than its manifest entry.
	ErrBadSizeOfFile = errors.New("unexpected size of file in data part")
	// ErrChecksumMismatch is returned when a transferred file hashes
	// differently than announced.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrInsecurePath is returned when a peer-supplied file name escapes the
	// download directory.
	ErrInsecurePath = errors.New("file path is not inside the part path")
	// ErrCorruptedData is returned for any malformed frame.
	ErrCorruptedData = errors.New("corrupted data")
	// ErrIncorrectPartType is returned when the negotiated mode cannot carry
	// the announced part type.
	ErrIncorrectPartType = errors.New("incorrect part type")
	// ErrFormatVersionTooOld is returned when serialized checksums cannot be
	// parsed; it must not trigger fallback loops.
	ErrFormatVersionTooOld = errors.New("checksums format is too old")
	// ErrS3 signals a failure of the object-store metadata mode; the fetch
	// is retried in normal mode exactly once.
	ErrS3 = errors.New("object store metadata transfer failed")
	// ErrTooManyFetches is the client-side view of an admission 429.
	ErrTooManyFetches = errors.New("too many concurrent fetches, try again later")
	// ErrDirectoryAlreadyExists guards the zero-copy download directory.
	ErrDirectoryAlreadyExists = errors.New("part download directory already exists")
	// ErrLogical flags a broken internal invariant.
	ErrLogical = errors.New("logical error")
)
