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
	"sort"
	"strings"
	"sync"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

// PartState is the lifecycle state of a part inside the catalog.
type PartState int

const (
	// PreCommitted parts are fetched/written but not yet visible.
	PreCommitted PartState = iota
	// Committed parts are live.
	Committed
	// Outdated parts were replaced but may still be requested by peers.
	Outdated
)

type catalogEntry struct {
	part  *Part
	state PartState
}

// Catalog is the slice of the storage engine the part exchange consumes:
// part lookup, space reservation, materialization of fetched parts, broken
// part reporting and the per-table sends counter.
type Catalog struct {
	tableName string
	disks     []Disk

	mu          sync.Mutex
	entries     map[string]*catalogEntry
	oldVersions map[string]*Part
	broken      []string
	sharedData  map[string]int

	currentTableSends atomic.Int32
}

// NewCatalog builds a catalog for one table over the given disks.
func NewCatalog(tableName string, disks ...Disk) *Catalog {
	return &Catalog{
		tableName:   tableName,
		disks:       disks,
		entries:     make(map[string]*catalogEntry),
		oldVersions: make(map[string]*Part),
		sharedData:  make(map[string]int),
	}
}

// TableName returns the table this catalog serves.
func (c *Catalog) TableName() string { return c.tableName }

// Disks returns the catalog's disks.
func (c *Catalog) Disks() []Disk { return c.disks }

// DisksByKind returns the disks of one kind.
func (c *Catalog) DisksByKind(kind DiskKind) []Disk {
	var out []Disk
	for _, d := range c.disks {
		if d.Kind() == kind {
			out = append(out, d)
		}
	}
	return out
}

// CurrentTableSends is the per-table concurrent sends counter.
func (c *Catalog) CurrentTableSends() *atomic.Int32 { return &c.currentTableSends }

// AddPart registers a part in the given state.
func (c *Catalog) AddPart(part *Part, state PartState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[part.Name] = &catalogEntry{part: part, state: state}
}

// PartIfExists returns the named part when it is in one of the states.
func (c *Catalog) PartIfExists(name string, states ...PartState) *Part {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[name]
	if !ok {
		return nil
	}
	for _, state := range states {
		if entry.state == state {
			return entry.part
		}
	}
	return nil
}

// DataParts returns the committed parts sorted by name.
func (c *Catalog) DataParts() []*Part {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Part
	for _, entry := range c.entries {
		if entry.state == Committed {
			out = append(out, entry.part)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DataPartsInPartition returns the committed parts of one partition.
func (c *Catalog) DataPartsInPartition(partitionID string) []*Part {
	var out []*Part
	for _, part := range c.DataParts() {
		if part.Info.PartitionID == partitionID {
			out = append(out, part)
		}
	}
	return out
}

// PartsByPredicate filters committed parts with a single comparison
// expression: <attr> = '<value>' or <attr> != '<value>', attr being name or
// partition_id.
func (c *Catalog) PartsByPredicate(filter string) ([]*Part, error) {
	pred, err := parsePredicate(filter)
	if err != nil {
		return nil, err
	}
	var out []*Part
	for _, part := range c.DataParts() {
		if pred(part) {
			out = append(out, part)
		}
	}
	return out, nil
}

func parsePredicate(filter string) (func(*Part) bool, error) {
	op := "="
	idx := strings.Index(filter, "!=")
	if idx >= 0 {
		op = "!="
	} else {
		idx = strings.Index(filter, "=")
		if idx < 0 {
			return nil, errors.Errorf("failed to parse filter of fetch list: %s", filter)
		}
	}
	attr := strings.TrimSpace(filter[:idx])
	value := strings.TrimSpace(filter[idx+len(op):])
	value = strings.Trim(value, "'")
	var get func(*Part) string
	switch attr {
	case "name":
		get = func(p *Part) string { return p.Name }
	case "partition_id":
		get = func(p *Part) string { return p.Info.PartitionID }
	default:
		return nil, errors.Errorf("failed to parse filter of fetch list: %s", filter)
	}
	if op == "=" {
		return func(p *Part) bool { return get(p) == value }, nil
	}
	return func(p *Part) bool { return get(p) != value }, nil
}

// SetOldVersionPart records a prior local version of a part, enabling
// incremental fetches of its successor.
func (c *Catalog) SetOldVersionPart(name string, part *Part) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.oldVersions[name] = part
}

// OldVersionPart returns the prior local version of a part, if any.
func (c *Catalog) OldVersionPart(name string) *Part {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.oldVersions[name]
}

// ReportBrokenPart schedules a part for re-check after a failed send.
func (c *Catalog) ReportBrokenPart(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broken = append(c.broken, name)
}

// BrokenParts returns the parts reported broken so far.
func (c *Catalog) BrokenParts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.broken...)
}

// LockSharedData records shared ownership of a part's objects during
// zero-copy replication.
func (c *Catalog) LockSharedData(part *Part) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sharedData[part.Name]++
}

// SharedDataLocks returns the shared-ownership count of a part.
func (c *Catalog) SharedDataLocks(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sharedData[name]
}

// Reservation is claimed space on one disk.
type Reservation struct {
	disk Disk
	size uint64
}

// Disk returns the disk the space was reserved on.
func (r *Reservation) Disk() Disk { return r.disk }

// Size returns the reserved byte count.
func (r *Reservation) Size() uint64 { return r.size }

// ReservePreferringTTL reserves size bytes on the disk the TTL policy
// prefers. Parts close to expiry land on the smallest fitting disk so churn
// stays off the large volumes.
func (c *Catalog) ReservePreferringTTL(size uint64, ttl TTLInfos) (*Reservation, error) {
	fitting := make([]Disk, 0, len(c.disks))
	for _, d := range c.disks {
		if d.TotalSpace() >= size {
			fitting = append(fitting, d)
		}
	}
	if len(fitting) == 0 {
		return nil, errors.Errorf("cannot reserve %d bytes on any disk", size)
	}
	sort.Slice(fitting, func(i, j int) bool { return fitting[i].TotalSpace() < fitting[j].TotalSpace() })
	if ttl.MaxTTL != 0 {
		return &Reservation{disk: fitting[0], size: size}, nil
	}
	return &Reservation{disk: fitting[len(fitting)-1], size: size}, nil
}

// ReserveOnLargestDisk reserves without a size, used when the peer is too
// old to send one.
func (c *Catalog) ReserveOnLargestDisk() (*Reservation, error) {
	if len(c.disks) == 0 {
		return nil, errors.New("no disks configured")
	}
	largest := c.disks[0]
	for _, d := range c.disks[1:] {
		if d.TotalSpace() > largest.TotalSpace() {
			largest = d
		}
	}
	return &Reservation{disk: largest}, nil
}

// CreatePart materializes a part object from a fetched directory, reloading
// its checksums manifest and discovering projection sub-parts.
func (c *Catalog) CreatePart(name string, disk Disk, relativePath string) (*Part, error) {
	info, err := ParsePartName(name)
	if err != nil {
		return nil, err
	}
	part, err := loadPartFromDisk(name, info, disk, relativePath)
	if err != nil {
		return nil, err
	}
	return part, nil
}

func loadPartFromDisk(name string, info PartInfo, disk Disk, relativePath string) (*Part, error) {
	part := &Part{
		Name:         name,
		Info:         info,
		Type:         Wide,
		Checksums:    NewChecksums(),
		Disk:         disk,
		RelativePath: relativePath,
	}
	f, err := disk.Open(relativePath + "/" + ChecksumsFileName)
	if err != nil {
		return nil, errors.Annotatef(err, "part %s has no checksums", name)
	}
	ok, err := part.Checksums.Read(bufio.NewReader(f))
	_ = f.Close()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("checksums of part %s have an unknown format version", name)
	}
	entries, err := disk.ListDir(relativePath)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if projName, isProj := strings.CutSuffix(entry, ".proj"); isProj {
			proj, err := loadPartFromDisk(projName, PartInfo{PartitionID: "all"}, disk, relativePath+"/"+entry)
			if err != nil {
				return nil, err
			}
			part.AddProjection(projName, proj)
			continue
		}
		// Only the part metadata files are tracked by presence; a shared
		// compact-map file is covered by its implicit manifest entries.
		switch entry {
		case ChecksumsFileName, ColumnsFileName, DefaultCompressionCodecFileName:
			part.FileNamesWithoutChecksums = append(part.FileNamesWithoutChecksums, entry)
		}
	}
	for fileName := range part.Checksums.files {
		if IsMapImplicitFile(fileName) {
			part.EnableCompactMapData = true
		}
	}
	sort.Strings(part.FileNamesWithoutChecksums)
	return part, nil
}

// WriteInMemoryPart runs an in-memory block through the normal part writer:
// checksums and the min-max index are rederived from the block before the
// part is registered. The partition id is not derived from the block; the
// part keeps the Info it already carries.
func (c *Catalog) WriteInMemoryPart(part *Part) error {
	if part.Type != InMemory || part.Block == nil {
		return errors.Errorf("part %s is not an in-memory part", part.Name)
	}
	part.Checksums = BlockChecksums(part.Block)
	part.MinMax = MinMaxOf(part.Block)
	for name, proj := range part.Projections {
		if proj.Block == nil {
			return errors.Errorf("projection %s of part %s is not stored in memory", name, part.Name)
		}
		proj.Checksums = BlockChecksums(proj.Block)
		proj.MinMax = MinMaxOf(proj.Block)
	}
	c.AddPart(part, PreCommitted)
	return nil
}
