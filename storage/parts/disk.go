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
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pingcap/errors"
)

// DiskKind distinguishes local disks from object-store-backed ones.
type DiskKind int

const (
	// DiskLocal is a plain filesystem disk.
	DiskLocal DiskKind = iota
	// DiskS3 keeps file metadata locally and contents in a shared object
	// store.
	DiskS3
)

// FileWriter is a writable file that can be flushed to stable storage.
type FileWriter interface {
	io.WriteCloser
	Sync() error
}

// Disk abstracts the filesystem a part lives on. All paths are relative to
// the disk root.
type Disk interface {
	Kind() DiskKind
	Name() string
	// Path returns the absolute root of the disk.
	Path() string
	TotalSpace() uint64

	Exists(path string) bool
	FileSize(path string) (uint64, error)
	Open(path string) (io.ReadSeekCloser, error)
	Create(path string, appendMode bool) (FileWriter, error)
	CreateDirectories(path string) error
	RemoveRecursive(path string) error
	HardLink(src, dst string) error
	SyncDirectory(path string) error
	ListDir(path string) ([]string, error)
}

// RemoteDisk is a disk whose files are references into a shared object
// store; zero-copy replication transfers those references instead of the
// object bytes.
type RemoteDisk interface {
	Disk
	// ReadMetadata returns the raw reference bytes of one file.
	ReadMetadata(path string) ([]byte, error)
	// WriteMetadata installs reference bytes for one file, adopting shared
	// ownership of the referenced object.
	WriteMetadata(path string, data []byte) error
	// UniqueID identifies the object-store namespace a path belongs to.
	UniqueID(path string) string
	// CheckUniqueID reports whether this disk can resolve references minted
	// under id.
	CheckUniqueID(id string) bool
}

// LocalDisk is a directory on the local filesystem.
type LocalDisk struct {
	name  string
	root  string
	space uint64
}

// NewLocalDisk builds a disk rooted at root, creating it when absent.
func NewLocalDisk(name, root string, totalSpace uint64) (*LocalDisk, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Trace(err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &LocalDisk{name: name, root: abs, space: totalSpace}, nil
}

// Kind implements Disk.
func (d *LocalDisk) Kind() DiskKind { return DiskLocal }

// Name implements Disk.
func (d *LocalDisk) Name() string { return d.name }

// Path implements Disk.
func (d *LocalDisk) Path() string { return d.root }

// TotalSpace implements Disk.
func (d *LocalDisk) TotalSpace() uint64 { return d.space }

func (d *LocalDisk) abs(path string) string {
	return filepath.Join(d.root, filepath.FromSlash(path))
}

// Exists implements Disk.
func (d *LocalDisk) Exists(path string) bool {
	_, err := os.Stat(d.abs(path))
	return err == nil
}

// FileSize implements Disk.
func (d *LocalDisk) FileSize(path string) (uint64, error) {
	fi, err := os.Stat(d.abs(path))
	if err != nil {
		return 0, errors.Trace(err)
	}
	return uint64(fi.Size()), nil
}

// Open implements Disk.
func (d *LocalDisk) Open(path string) (io.ReadSeekCloser, error) {
	f, err := os.Open(d.abs(path))
	if err != nil {
		return nil, errors.Trace(err)
	}
	return f, nil
}

// Create implements Disk.
func (d *LocalDisk) Create(path string, appendMode bool) (FileWriter, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(d.abs(path), flags, 0o644)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return f, nil
}

// CreateDirectories implements Disk.
func (d *LocalDisk) CreateDirectories(path string) error {
	return errors.Trace(os.MkdirAll(d.abs(path), 0o755))
}

// RemoveRecursive implements Disk.
func (d *LocalDisk) RemoveRecursive(path string) error {
	return errors.Trace(os.RemoveAll(d.abs(path)))
}

// HardLink implements Disk.
func (d *LocalDisk) HardLink(src, dst string) error {
	return errors.Trace(os.Link(d.abs(src), d.abs(dst)))
}

// SyncDirectory implements Disk.
func (d *LocalDisk) SyncDirectory(path string) error {
	f, err := os.Open(d.abs(path))
	if err != nil {
		return errors.Trace(err)
	}
	defer f.Close()
	return errors.Trace(f.Sync())
}

// ListDir implements Disk.
func (d *LocalDisk) ListDir(path string) ([]string, error) {
	entries, err := os.ReadDir(d.abs(path))
	if err != nil {
		return nil, errors.Trace(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// S3Disk emulates an object-store disk: every file is a small local
// metadata reference pointing into a shared bucket directory. Opening a
// file resolves the reference and reads the object, which is what makes
// zero-copy metadata transfer work: two replicas sharing one bucket
// exchange references only.
type S3Disk struct {
	LocalDisk
	bucketRoot string
}

// NewS3Disk builds an object-store disk over a metadata root and a shared
// bucket directory.
func NewS3Disk(name, metadataRoot, bucketRoot string, totalSpace uint64) (*S3Disk, error) {
	local, err := NewLocalDisk(name, metadataRoot, totalSpace)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(bucketRoot, 0o755); err != nil {
		return nil, errors.Trace(err)
	}
	absBucket, err := filepath.Abs(bucketRoot)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &S3Disk{LocalDisk: *local, bucketRoot: absBucket}, nil
}

// Kind implements Disk.
func (d *S3Disk) Kind() DiskKind { return DiskS3 }

const s3MetadataHeader = "object storage metadata format version: 1\n"

func (d *S3Disk) objectKey(path string) string {
	return strings.ReplaceAll(strings.Trim(path, "/"), "/", "%2F")
}

func (d *S3Disk) resolve(path string) (objectPath string, size uint64, err error) {
	data, err := os.ReadFile(d.abs(path))
	if err != nil {
		return "", 0, errors.Trace(err)
	}
	return d.parseMetadata(data)
}

func (d *S3Disk) parseMetadata(data []byte) (objectPath string, size uint64, err error) {
	rest, ok := strings.CutPrefix(string(data), s3MetadataHeader)
	if !ok {
		return "", 0, errors.New("bad object storage metadata header")
	}
	var key string
	if _, err := fmt.Sscanf(rest, "object: %s\nsize: %d\n", &key, &size); err != nil {
		return "", 0, errors.Trace(err)
	}
	return filepath.Join(d.bucketRoot, key), size, nil
}

// FileSize implements Disk: the size of the referenced object, not of the
// metadata file.
func (d *S3Disk) FileSize(path string) (uint64, error) {
	_, size, err := d.resolve(path)
	return size, err
}

// Open implements Disk, resolving the reference to the object bytes.
func (d *S3Disk) Open(path string) (io.ReadSeekCloser, error) {
	objectPath, _, err := d.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(objectPath)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return f, nil
}

type s3FileWriter struct {
	disk *S3Disk
	path string
	tmp  *os.File
}

func (w *s3FileWriter) Write(p []byte) (int, error) { return w.tmp.Write(p) }

func (w *s3FileWriter) Sync() error { return w.tmp.Sync() }

func (w *s3FileWriter) Close() error {
	defer os.Remove(w.tmp.Name())
	if err := w.tmp.Close(); err != nil {
		return errors.Trace(err)
	}
	fi, err := os.Stat(w.tmp.Name())
	if err != nil {
		return errors.Trace(err)
	}
	key := w.disk.objectKey(w.path)
	objectPath := filepath.Join(w.disk.bucketRoot, key)
	if err := os.Rename(w.tmp.Name(), objectPath); err != nil {
		return errors.Trace(err)
	}
	metadata := fmt.Sprintf("%sobject: %s\nsize: %d\n", s3MetadataHeader, key, fi.Size())
	return errors.Trace(os.WriteFile(w.disk.abs(w.path), []byte(metadata), 0o644))
}

// Create implements Disk. Appending is not supported on object storage.
func (d *S3Disk) Create(path string, appendMode bool) (FileWriter, error) {
	if appendMode {
		return nil, errors.New("append is not supported on an object storage disk")
	}
	tmp, err := os.CreateTemp(d.bucketRoot, "upload-*")
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &s3FileWriter{disk: d, path: path, tmp: tmp}, nil
}

// ReadMetadata implements RemoteDisk.
func (d *S3Disk) ReadMetadata(path string) ([]byte, error) {
	data, err := os.ReadFile(d.abs(path))
	if err != nil {
		return nil, errors.Trace(err)
	}
	return data, nil
}

// WriteMetadata implements RemoteDisk.
func (d *S3Disk) WriteMetadata(path string, data []byte) error {
	if _, _, err := d.parseMetadata(data); err != nil {
		return err
	}
	return errors.Trace(os.WriteFile(d.abs(path), data, 0o644))
}

// UniqueID implements RemoteDisk.
func (d *S3Disk) UniqueID(path string) string {
	return d.bucketRoot + "#" + d.objectKey(path)
}

// CheckUniqueID implements RemoteDisk.
func (d *S3Disk) CheckUniqueID(id string) bool {
	return strings.HasPrefix(id, d.bucketRoot+"#")
}
