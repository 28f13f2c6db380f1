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
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/murmur3"
)

func newDisk(t *testing.T) *LocalDisk {
	disk, err := NewLocalDisk("default", t.TempDir(), 1<<40)
	require.NoError(t, err)
	return disk
}

func writePart(t *testing.T, disk Disk, name string, files map[string][]byte) {
	require.NoError(t, disk.CreateDirectories(name))
	manifest := NewChecksums()
	for fileName, data := range files {
		w, err := disk.Create(name+"/"+fileName, false)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
		lo, hi := murmur3.Sum128(data)
		manifest.AddFile(fileName, uint64(len(data)), Hash128{Lo: lo, Hi: hi})
	}
	w, err := disk.Create(name+"/"+ChecksumsFileName, false)
	require.NoError(t, err)
	require.NoError(t, manifest.Write(w))
	require.NoError(t, w.Close())
}

func TestCatalogStates(t *testing.T) {
	disk := newDisk(t)
	catalog := NewCatalog("visits", disk)
	writePart(t, disk, "all_1_1_0", map[string][]byte{"a.bin": []byte("x")})
	part, err := catalog.CreatePart("all_1_1_0", disk, "all_1_1_0")
	require.NoError(t, err)

	catalog.AddPart(part, Outdated)
	require.Nil(t, catalog.PartIfExists("all_1_1_0", Committed))
	require.NotNil(t, catalog.PartIfExists("all_1_1_0", PreCommitted, Committed, Outdated))
	require.Empty(t, catalog.DataParts())

	catalog.AddPart(part, Committed)
	require.Len(t, catalog.DataParts(), 1)
	require.Len(t, catalog.DataPartsInPartition("all"), 1)
	require.Empty(t, catalog.DataPartsInPartition("2024"))
}

func TestCatalogPredicate(t *testing.T) {
	disk := newDisk(t)
	catalog := NewCatalog("visits", disk)
	for _, name := range []string{"2024_1_1_0", "2025_1_1_0"} {
		writePart(t, disk, name, map[string][]byte{"a.bin": []byte(name)})
		part, err := catalog.CreatePart(name, disk, name)
		require.NoError(t, err)
		catalog.AddPart(part, Committed)
	}

	matched, err := catalog.PartsByPredicate("partition_id = '2024'")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	require.Equal(t, "2024_1_1_0", matched[0].Name)

	matched, err = catalog.PartsByPredicate("name != '2024_1_1_0'")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	require.Equal(t, "2025_1_1_0", matched[0].Name)

	_, err = catalog.PartsByPredicate("partition_id LIKE '2024%'")
	require.Error(t, err)
}

func TestReservations(t *testing.T) {
	small, err := NewLocalDisk("small", t.TempDir(), 1<<20)
	require.NoError(t, err)
	large, err := NewLocalDisk("large", t.TempDir(), 1<<30)
	require.NoError(t, err)
	catalog := NewCatalog("visits", small, large)

	// Expiring data lands on the smallest fitting disk.
	res, err := catalog.ReservePreferringTTL(1024, TTLInfos{MaxTTL: 5})
	require.NoError(t, err)
	require.Equal(t, "small", res.Disk().Name())

	// Durable data lands on the largest fitting disk.
	res, err = catalog.ReservePreferringTTL(1024, TTLInfos{})
	require.NoError(t, err)
	require.Equal(t, "large", res.Disk().Name())

	// A size only the large disk fits skips the small one.
	res, err = catalog.ReservePreferringTTL(1<<25, TTLInfos{MaxTTL: 5})
	require.NoError(t, err)
	require.Equal(t, "large", res.Disk().Name())

	_, err = catalog.ReservePreferringTTL(1<<40, TTLInfos{})
	require.Error(t, err)

	res, err = catalog.ReserveOnLargestDisk()
	require.NoError(t, err)
	require.Equal(t, "large", res.Disk().Name())
}
