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
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
	"testing"
	"time"

	stderrors "errors"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"github.com/twmb/murmur3"
	"go.uber.org/goleak"

	"github.com/Mu-L/ByConity/config"
	"github.com/Mu-L/ByConity/storage/parts"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

func newTestDisk(t *testing.T) *parts.LocalDisk {
	disk, err := parts.NewLocalDisk("default", t.TempDir(), 1<<40)
	require.NoError(t, err)
	return disk
}

func hashOf(data []byte) parts.Hash128 {
	lo, hi := murmur3.Sum128(data)
	return parts.Hash128{Lo: lo, Hi: hi}
}

func writeDiskFile(t *testing.T, disk parts.Disk, path string, data []byte) {
	w, err := disk.Create(path, false)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func sortedNames(files map[string][]byte) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// writePartDir writes the given files into one part directory and returns
// their manifest; the default compression codec file is written but left
// out of the manifest. finishPartDir adds columns.txt and checksums.txt.
func writePartDir(t *testing.T, disk parts.Disk, rel string, files map[string][]byte) *parts.Checksums {
	require.NoError(t, disk.CreateDirectories(rel))
	manifest := parts.NewChecksums()
	for _, name := range sortedNames(files) {
		data := files[name]
		writeDiskFile(t, disk, rel+"/"+name, data)
		if name == parts.DefaultCompressionCodecFileName {
			continue
		}
		manifest.AddFile(name, uint64(len(data)), hashOf(data))
	}
	return manifest
}

func finishPartDir(t *testing.T, disk parts.Disk, rel string, manifest *parts.Checksums) {
	writeDiskFile(t, disk, rel+"/"+parts.ColumnsFileName, []byte("columns format version: 1\n"))
	w, err := disk.Create(rel+"/"+parts.ChecksumsFileName, false)
	require.NoError(t, err)
	require.NoError(t, manifest.Write(w))
	require.NoError(t, w.Close())
}

// buildPart creates a committed part with optional projections.
func buildPart(t *testing.T, catalog *parts.Catalog, disk parts.Disk, name string,
	files map[string][]byte, projections map[string]map[string][]byte) *parts.Part {
	manifest := parts.NewChecksums()
	require.NoError(t, disk.CreateDirectories(name))
	projNames := make([]string, 0, len(projections))
	for projName := range projections {
		projNames = append(projNames, projName)
	}
	sort.Strings(projNames)
	for _, projName := range projNames {
		projRel := name + "/" + projName + ".proj"
		projManifest := writePartDir(t, disk, projRel, projections[projName])
		finishPartDir(t, disk, projRel, projManifest)
		manifest.AddFile(projName+".proj", projManifest.TotalSizeOnDisk(), projManifest.TotalChecksum())
	}
	fileManifest := writePartDir(t, disk, name, files)
	for _, fileName := range fileManifest.FileNames() {
		sum, _ := fileManifest.Get(fileName)
		manifest.AddFileOffset(fileName, sum.FileOffset, sum.FileSize, sum.FileHash)
	}
	finishPartDir(t, disk, name, manifest)

	part, err := catalog.CreatePart(name, disk, name)
	require.NoError(t, err)
	part.UUID = uuid.New()
	part.TTLInfos = parts.TTLInfos{MinTTL: 0, MaxTTL: 0}
	catalog.AddPart(part, parts.Committed)
	return part
}

func newTestServer(t *testing.T, catalog *parts.Catalog, cfg *config.PartsExchangeConfig, nodeID string) (*Service, string, int) {
	svc := NewService(catalog, cfg)
	handler := NewHandler()
	handler.Register(EndpointID(nodeID), svc)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portString, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portString)
	require.NoError(t, err)
	return svc, host, port
}

func newTestFetcher(t *testing.T, catalog *parts.Catalog, cfg *config.PartsExchangeConfig) *Fetcher {
	f := NewFetcher(catalog, cfg)
	t.Cleanup(f.client.CloseIdleConnections)
	return f
}

func requireSameFile(t *testing.T, disk parts.Disk, path string, want []byte) {
	f, err := disk.Open(path)
	require.NoError(t, err)
	defer f.Close()
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, want, got, path)
}

// Round trip: fetching a part from a peer reproduces its file set and
// per-file hashes exactly, projections included.
func TestFetchPartRoundTrip(t *testing.T) {
	serverDisk := newTestDisk(t)
	serverCatalog := parts.NewCatalog("visits", serverDisk)
	cfg := config.NewConfig().PartsExchange

	files := map[string][]byte{
		"a.bin":                               []byte("aaaa-column-data"),
		"b.bin":                               []byte("bbbb"),
		parts.DefaultCompressionCodecFileName: []byte("CODEC(LZ4)"),
	}
	projFiles := map[string][]byte{"p.bin": []byte("projection-data")}
	part := buildPart(t, serverCatalog, serverDisk, "all_1_1_0", files,
		map[string]map[string][]byte{"agg": projFiles})

	_, host, port := newTestServer(t, serverCatalog, &cfg, "node1")

	fetchDisk := newTestDisk(t)
	fetchCatalog := parts.NewCatalog("visits", fetchDisk)
	fetcher := newTestFetcher(t, fetchCatalog, &cfg)

	fetched, err := fetcher.FetchPart(context.Background(), FetchPartInput{
		PartName:    "all_1_1_0",
		ReplicaNode: "node1",
		Host:        host,
		Port:        port,
	})
	require.NoError(t, err)
	require.Equal(t, "tmp-fetch_all_1_1_0", fetched.RelativePath)
	require.True(t, fetched.IsTemp)

	require.NoError(t, fetched.Checksums.CheckEqual(part.Checksums, true))
	require.NoError(t, part.Checksums.CheckEqual(fetched.Checksums, true))
	for name, data := range files {
		requireSameFile(t, fetchDisk, fetched.RelativePath+"/"+name, data)
	}
	for name, data := range projFiles {
		requireSameFile(t, fetchDisk, fetched.RelativePath+"/agg.proj/"+name, data)
	}
	require.Len(t, fetched.Projections, 1)
	require.NotNil(t, fetched.Projections["agg"])
	require.Empty(t, serverCatalog.BrokenParts())
}

// Incremental fetch: unchanged files are hard-linked from the prior local
// version (their inode count grows), changed files are transferred, and the
// final directory matches a full fetch byte for byte.
func TestFetchPartIncrementally(t *testing.T) {
	serverDisk := newTestDisk(t)
	serverCatalog := parts.NewCatalog("visits", serverDisk)
	cfg := config.NewConfig().PartsExchange

	newFiles := map[string][]byte{
		"same.bin":    []byte("unchanged-bytes"),
		"changed.bin": []byte("new-version"),
	}
	buildPart(t, serverCatalog, serverDisk, "all_1_1_0", newFiles, nil)
	_, host, port := newTestServer(t, serverCatalog, &cfg, "node1")

	fetchDisk := newTestDisk(t)
	fetchCatalog := parts.NewCatalog("visits", fetchDisk)
	oldPart := buildPart(t, fetchCatalog, fetchDisk, "all_1_1_0", map[string][]byte{
		"same.bin":    []byte("unchanged-bytes"),
		"changed.bin": []byte("old-version"),
	}, nil)
	fetchCatalog.SetOldVersionPart("all_1_1_0", oldPart)

	fetcher := newTestFetcher(t, fetchCatalog, &cfg)
	fetched, err := fetcher.FetchPart(context.Background(), FetchPartInput{
		PartName:      "all_1_1_0",
		ReplicaNode:   "node1",
		Host:          host,
		Port:          port,
		Incrementally: true,
	})
	require.NoError(t, err)

	for name, data := range newFiles {
		requireSameFile(t, fetchDisk, fetched.RelativePath+"/"+name, data)
	}

	sameInfo, err := os.Stat(filepath.Join(fetchDisk.Path(), fetched.RelativePath, "same.bin"))
	require.NoError(t, err)
	require.EqualValues(t, 2, sameInfo.Sys().(*syscall.Stat_t).Nlink)

	changedInfo, err := os.Stat(filepath.Join(fetchDisk.Path(), fetched.RelativePath, "changed.bin"))
	require.NoError(t, err)
	require.EqualValues(t, 1, changedInfo.Sys().(*syscall.Stat_t).Nlink)
}

// A malicious server sending a path-escaping file name aborts the fetch
// before any byte lands outside the download directory.
func TestFetchPartInsecurePath(t *testing.T) {
	evil := []byte("evil")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: CookieServerProtocolVersion, Value: "7"})
		_ = writeUint64(w, 4)
		_ = writeString(w, parts.TTLInfos{}.String())
		_ = writeString(w, string(parts.Wide))
		_ = writeUUIDText(w, uuid.Nil)
		_ = writeUint64(w, 0) // projections
		_ = writeUint64(w, 1) // files
		_ = writeBool(w, false)
		_ = writeString(w, "../escape.bin")
		_ = writeUint64(w, uint64(len(evil)))
		_, _ = w.Write(evil)
		_ = writeHash(w, hashOf(evil))
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portString, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, _ := strconv.Atoi(portString)

	fetchDisk := newTestDisk(t)
	fetchCatalog := parts.NewCatalog("visits", fetchDisk)
	cfg := config.NewConfig().PartsExchange
	fetcher := newTestFetcher(t, fetchCatalog, &cfg)

	_, err = fetcher.FetchPart(context.Background(), FetchPartInput{
		PartName:    "all_1_1_0",
		ReplicaNode: "node1",
		Host:        host,
		Port:        port,
	})
	require.Error(t, err)
	require.True(t, stderrors.Is(err, ErrInsecurePath), err.Error())
	require.False(t, fetchDisk.Exists("tmp-fetch_all_1_1_0"))
	require.False(t, fetchDisk.Exists("escape.bin"))
}

// A truncated stream fails the fetch and leaves no tmp-fetch directory.
func TestFetchPartTruncatedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: CookieServerProtocolVersion, Value: "7"})
		_ = writeUint64(w, 100)
		_ = writeString(w, parts.TTLInfos{}.String())
		_ = writeString(w, string(parts.Wide))
		_ = writeUUIDText(w, uuid.Nil)
		_ = writeUint64(w, 0)
		_ = writeUint64(w, 1)
		_ = writeBool(w, false)
		_ = writeString(w, "data.bin")
		_ = writeUint64(w, 100)
		_, _ = w.Write([]byte("short"))
		// connection closes with 95 bytes missing
	}))
	t.Cleanup(srv.Close)
	u, _ := url.Parse(srv.URL)
	host, portString, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portString)

	fetchDisk := newTestDisk(t)
	fetchCatalog := parts.NewCatalog("visits", fetchDisk)
	cfg := config.NewConfig().PartsExchange
	fetcher := newTestFetcher(t, fetchCatalog, &cfg)

	_, err := fetcher.FetchPart(context.Background(), FetchPartInput{
		PartName:    "all_1_1_0",
		ReplicaNode: "node1",
		Host:        host,
		Port:        port,
	})
	require.Error(t, err)
	require.False(t, fetchDisk.Exists("tmp-fetch_all_1_1_0"))
}

// Cancelling the blocker mid-stream aborts the fetch and removes the
// partial download directory.
func TestFetchPartCancellation(t *testing.T) {
	const chunk = 32 * 1024
	const chunks = 64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: CookieServerProtocolVersion, Value: "7"})
		_ = writeUint64(w, chunk*chunks)
		_ = writeString(w, parts.TTLInfos{}.String())
		_ = writeString(w, string(parts.Wide))
		_ = writeUUIDText(w, uuid.Nil)
		_ = writeUint64(w, 0)
		_ = writeUint64(w, 1)
		_ = writeBool(w, false)
		_ = writeString(w, "data.bin")
		_ = writeUint64(w, chunk*chunks)
		flusher, _ := w.(http.Flusher)
		buf := make([]byte, chunk)
		for i := 0; i < chunks; i++ {
			if _, err := w.Write(buf); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			time.Sleep(20 * time.Millisecond)
		}
	}))
	t.Cleanup(srv.Close)
	u, _ := url.Parse(srv.URL)
	host, portString, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portString)

	fetchDisk := newTestDisk(t)
	fetchCatalog := parts.NewCatalog("visits", fetchDisk)
	cfg := config.NewConfig().PartsExchange
	fetcher := newTestFetcher(t, fetchCatalog, &cfg)

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(100 * time.Millisecond)
		fetcher.Blocker().Cancel()
	}()
	_, err := fetcher.FetchPart(context.Background(), FetchPartInput{
		PartName:    "all_1_1_0",
		ReplicaNode: "node1",
		Host:        host,
		Port:        port,
	})
	<-done
	require.Error(t, err)
	require.True(t, stderrors.Is(err, ErrAborted), err.Error())
	require.False(t, fetchDisk.Exists("tmp-fetch_all_1_1_0"))
}

// Admission control: a busy table answers 429 with Retry-After and no body.
func TestFetchPartAdmission(t *testing.T) {
	serverDisk := newTestDisk(t)
	serverCatalog := parts.NewCatalog("visits", serverDisk)
	cfg := config.NewConfig().PartsExchange
	cfg.ReplicatedMaxParallelSendsForTable = 1
	buildPart(t, serverCatalog, serverDisk, "all_1_1_0", map[string][]byte{"a.bin": []byte("x")}, nil)
	_, host, port := newTestServer(t, serverCatalog, &cfg, "node1")

	// Simulate one in-flight send.
	serverCatalog.CurrentTableSends().Inc()

	client := &http.Client{}
	t.Cleanup(client.CloseIdleConnections)
	query := url.Values{}
	query.Set("endpoint", EndpointID("node1"))
	query.Set("part", "all_1_1_0")
	query.Set("client_protocol_version", "7")
	resp, err := client.Post("http://"+net.JoinHostPort(host, strconv.Itoa(port))+"/?"+query.Encode(), "", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "10", resp.Header.Get("Retry-After"))
	require.NoError(t, resp.Body.Close())

	fetchDisk := newTestDisk(t)
	fetchCatalog := parts.NewCatalog("visits", fetchDisk)
	fetcher := newTestFetcher(t, fetchCatalog, &cfg)
	_, err = fetcher.FetchPart(context.Background(), FetchPartInput{
		PartName: "all_1_1_0", ReplicaNode: "node1", Host: host, Port: port,
	})
	require.True(t, stderrors.Is(err, ErrTooManyFetches), err)

	// The slot frees up and the fetch goes through.
	serverCatalog.CurrentTableSends().Dec()
	_, err = fetcher.FetchPart(context.Background(), FetchPartInput{
		PartName: "all_1_1_0", ReplicaNode: "node1", Host: host, Port: port,
	})
	require.NoError(t, err)
}

// checkExist answers one byte.
func TestCheckPartExists(t *testing.T) {
	serverDisk := newTestDisk(t)
	serverCatalog := parts.NewCatalog("visits", serverDisk)
	cfg := config.NewConfig().PartsExchange
	buildPart(t, serverCatalog, serverDisk, "all_1_1_0", map[string][]byte{"a.bin": []byte("x")}, nil)
	_, host, port := newTestServer(t, serverCatalog, &cfg, "node1")

	fetcher := newTestFetcher(t, parts.NewCatalog("visits", newTestDisk(t)), &cfg)
	exists, err := fetcher.CheckPartExists(context.Background(), "all_1_1_0", "node1", "", host, port)
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = fetcher.CheckPartExists(context.Background(), "all_9_9_0", "node1", "", host, port)
	require.NoError(t, err)
	require.False(t, exists)
}

// FetchList filters by partition id, "all", or a predicate expression.
func TestFetchPartList(t *testing.T) {
	serverDisk := newTestDisk(t)
	serverCatalog := parts.NewCatalog("visits", serverDisk)
	cfg := config.NewConfig().PartsExchange
	buildPart(t, serverCatalog, serverDisk, "2024_1_1_0", map[string][]byte{"a.bin": []byte("x")}, nil)
	buildPart(t, serverCatalog, serverDisk, "2024_2_2_0", map[string][]byte{"a.bin": []byte("y")}, nil)
	buildPart(t, serverCatalog, serverDisk, "2025_1_1_0", map[string][]byte{"a.bin": []byte("z")}, nil)
	_, host, port := newTestServer(t, serverCatalog, &cfg, "node1")

	fetcher := newTestFetcher(t, parts.NewCatalog("visits", newTestDisk(t)), &cfg)

	names, err := fetcher.FetchPartList(context.Background(), "all", "", "node1", "", host, port)
	require.NoError(t, err)
	require.Equal(t, []string{"2024_1_1_0", "2024_2_2_0", "2025_1_1_0"}, names)

	names, err = fetcher.FetchPartList(context.Background(), "2024", "", "node1", "", host, port)
	require.NoError(t, err)
	require.Equal(t, []string{"2024_1_1_0", "2024_2_2_0"}, names)

	names, err = fetcher.FetchPartList(context.Background(), "", "partition_id = '2025'", "node1", "", host, port)
	require.NoError(t, err)
	require.Equal(t, []string{"2025_1_1_0"}, names)
}

// In-memory parts travel as native block streams; the receiver rederives
// checksums and the min-max index through the normal writer.
func TestFetchInMemoryPart(t *testing.T) {
	serverDisk := newTestDisk(t)
	serverCatalog := parts.NewCatalog("visits", serverDisk)
	cfg := config.NewConfig().PartsExchange

	block := &parts.Block{Columns: []parts.ColumnData{
		{Name: "k", Type: "UInt64", Values: []string{"3", "1", "2"}},
		{Name: "v", Type: "String", Values: []string{"c", "a", "b"}},
	}}
	info, err := parts.ParsePartName("all_1_1_0")
	require.NoError(t, err)
	part := &parts.Part{Name: "all_1_1_0", Info: info, Type: parts.InMemory, UUID: uuid.New(), Block: block}
	require.NoError(t, serverCatalog.WriteInMemoryPart(part))
	serverCatalog.AddPart(part, parts.Committed)

	_, host, port := newTestServer(t, serverCatalog, &cfg, "node1")

	fetchCatalog := parts.NewCatalog("visits", newTestDisk(t))
	fetcher := newTestFetcher(t, fetchCatalog, &cfg)
	fetched, err := fetcher.FetchPart(context.Background(), FetchPartInput{
		PartName: "all_1_1_0", ReplicaNode: "node1", Host: host, Port: port,
	})
	require.NoError(t, err)
	require.Equal(t, parts.InMemory, fetched.Type)
	require.Equal(t, block, fetched.Block)
	require.Equal(t, [2]string{"1", "3"}, fetched.MinMax["k"])
	require.NoError(t, fetched.Checksums.CheckEqual(part.Checksums, true))
}

// Zero-copy: two replicas sharing one object store exchange metadata only;
// both end up holding shared ownership of the same objects.
func TestFetchPartZeroCopy(t *testing.T) {
	bucket := t.TempDir()
	serverS3, err := parts.NewS3Disk("s3", t.TempDir(), bucket, 1<<40)
	require.NoError(t, err)
	receiverS3, err := parts.NewS3Disk("s3", t.TempDir(), bucket, 1<<40)
	require.NoError(t, err)

	serverCatalog := parts.NewCatalog("visits", serverS3)
	cfg := config.NewConfig().PartsExchange
	cfg.AllowRemoteFSZeroCopyReplication = true
	files := map[string][]byte{"a.bin": []byte("object-bytes")}
	part := buildPart(t, serverCatalog, serverS3, "all_1_1_0", files, nil)
	_, host, port := newTestServer(t, serverCatalog, &cfg, "node1")

	fetchCatalog := parts.NewCatalog("visits", receiverS3)
	fetcher := newTestFetcher(t, fetchCatalog, &cfg)
	fetched, err := fetcher.FetchPart(context.Background(), FetchPartInput{
		PartName:    "all_1_1_0",
		ReplicaNode: "node1",
		Host:        host,
		Port:        port,
		TryZeroCopy: true,
	})
	require.NoError(t, err)

	requireSameFile(t, receiverS3, fetched.RelativePath+"/a.bin", files["a.bin"])
	require.Equal(t, 1, serverCatalog.SharedDataLocks("all_1_1_0"))
	require.Equal(t, 1, fetchCatalog.SharedDataLocks("all_1_1_0"))

	// Same underlying object, not a copy.
	serverMeta, err := serverS3.ReadMetadata(part.FilePath("a.bin"))
	require.NoError(t, err)
	receiverMeta, err := receiverS3.ReadMetadata(fetched.FilePath("a.bin"))
	require.NoError(t, err)
	require.Equal(t, serverMeta, receiverMeta)
}

// Asking for zero-copy against a non-S3 source falls back to the normal
// byte stream without the s3 cookie.
func TestZeroCopyRequestAgainstLocalDisk(t *testing.T) {
	serverDisk := newTestDisk(t)
	serverCatalog := parts.NewCatalog("visits", serverDisk)
	cfg := config.NewConfig().PartsExchange
	cfg.AllowRemoteFSZeroCopyReplication = true
	files := map[string][]byte{"a.bin": []byte("plain-bytes")}
	buildPart(t, serverCatalog, serverDisk, "all_1_1_0", files, nil)
	_, host, port := newTestServer(t, serverCatalog, &cfg, "node1")

	fetchLocal, err := parts.NewLocalDisk("default", t.TempDir(), 1<<40)
	require.NoError(t, err)
	fetchS3, err := parts.NewS3Disk("s3", t.TempDir(), t.TempDir(), 1<<30)
	require.NoError(t, err)
	fetchCatalog := parts.NewCatalog("visits", fetchLocal, fetchS3)
	fetcher := newTestFetcher(t, fetchCatalog, &cfg)

	fetched, err := fetcher.FetchPart(context.Background(), FetchPartInput{
		PartName:    "all_1_1_0",
		ReplicaNode: "node1",
		Host:        host,
		Port:        port,
		TryZeroCopy: true,
	})
	require.NoError(t, err)
	require.Equal(t, parts.DiskLocal, fetched.Disk.Kind())
	requireSameFile(t, fetchLocal, fetched.RelativePath+"/a.bin", files["a.bin"])
}

// A zero-copy failure on the receiver (the metadata references an object
// store this replica cannot reach) retries the same fetch in normal mode
// exactly once and succeeds.
func TestZeroCopyFallsBackToNormalFetch(t *testing.T) {
	serverBucket := t.TempDir()
	serverS3, err := parts.NewS3Disk("s3", t.TempDir(), serverBucket, 1<<40)
	require.NoError(t, err)
	serverCatalog := parts.NewCatalog("visits", serverS3)
	cfg := config.NewConfig().PartsExchange
	cfg.AllowRemoteFSZeroCopyReplication = true
	files := map[string][]byte{"a.bin": []byte("remote-bytes")}
	buildPart(t, serverCatalog, serverS3, "all_1_1_0", files, nil)
	_, host, port := newTestServer(t, serverCatalog, &cfg, "node1")

	fetchLocal, err := parts.NewLocalDisk("default", t.TempDir(), 1<<40)
	require.NoError(t, err)
	otherBucketS3, err := parts.NewS3Disk("s3", t.TempDir(), t.TempDir(), 1<<30)
	require.NoError(t, err)
	fetchCatalog := parts.NewCatalog("visits", fetchLocal, otherBucketS3)
	fetcher := newTestFetcher(t, fetchCatalog, &cfg)

	fetched, err := fetcher.FetchPart(context.Background(), FetchPartInput{
		PartName:    "all_1_1_0",
		ReplicaNode: "node1",
		Host:        host,
		Port:        port,
		TryZeroCopy: true,
	})
	require.NoError(t, err)
	require.Equal(t, parts.DiskLocal, fetched.Disk.Kind())
	requireSameFile(t, fetchLocal, fetched.RelativePath+"/a.bin", files["a.bin"])
	// The abandoned zero-copy attempt left nothing behind.
	require.False(t, otherBucketS3.Exists("tmp-fetch_all_1_1_0"))
}

// An old client still gets a coherent stream: version 1 carries the size
// and the plain file stream, nothing else.
func TestServeOldProtocolVersion(t *testing.T) {
	serverDisk := newTestDisk(t)
	serverCatalog := parts.NewCatalog("visits", serverDisk)
	cfg := config.NewConfig().PartsExchange
	files := map[string][]byte{
		"a.bin":                               []byte("v1-bytes"),
		parts.DefaultCompressionCodecFileName: []byte("CODEC(LZ4)"),
	}
	part := buildPart(t, serverCatalog, serverDisk, "all_1_1_0", files, nil)
	_, host, port := newTestServer(t, serverCatalog, &cfg, "node1")

	client := &http.Client{}
	t.Cleanup(client.CloseIdleConnections)
	query := url.Values{}
	query.Set("endpoint", EndpointID("node1"))
	query.Set("part", "all_1_1_0")
	query.Set("client_protocol_version", "1")
	resp, err := client.Post("http://"+net.JoinHostPort(host, strconv.Itoa(port))+"/?"+query.Encode(), "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	version := ""
	for _, cookie := range resp.Cookies() {
		if cookie.Name == CookieServerProtocolVersion {
			version = cookie.Value
		}
	}
	require.Equal(t, "1", version)

	r := bufio.NewReader(resp.Body)
	totalSize, err := readUint64(r)
	require.NoError(t, err)
	require.Equal(t, part.Checksums.TotalSizeOnDisk(), totalSize)

	fileCount, err := readUint64(r)
	require.NoError(t, err)
	compactMap, err := readBool(r)
	require.NoError(t, err)
	require.False(t, compactMap)

	received := make(map[string][]byte)
	for i := uint64(0); i < fileCount; i++ {
		name, err := readString(r)
		require.NoError(t, err)
		size, err := readUint64(r)
		require.NoError(t, err)
		data := make([]byte, size)
		_, err = io.ReadFull(r, data)
		require.NoError(t, err)
		hash, err := readHash(r)
		require.NoError(t, err)
		require.Equal(t, hashOf(data), hash, name)
		received[name] = data
	}
	require.NoError(t, assertEOF(r))
	require.Equal(t, files["a.bin"], received["a.bin"])
	require.Contains(t, received, parts.ChecksumsFileName)
	require.Contains(t, received, parts.ColumnsFileName)
	// Below v4 the default codec file is withheld.
	require.NotContains(t, received, parts.DefaultCompressionCodecFileName)
}

// Compact-map parts append implicit sub-columns to the shared file in
// offset order; offsets are re-derived locally and the manifest rewritten
// when they differ.
func TestFetchCompactMapPart(t *testing.T) {
	serverDisk := newTestDisk(t)
	serverCatalog := parts.NewCatalog("visits", serverDisk)
	cfg := config.NewConfig().PartsExchange

	shared := []byte("k1-data|k2-data!")
	require.NoError(t, serverDisk.CreateDirectories("all_1_1_0"))
	writeDiskFile(t, serverDisk, "all_1_1_0/m.bin", shared)
	manifest := parts.NewChecksums()
	manifest.AddFileOffset("__m__k1.bin", 0, 8, hashOf(shared[:8]))
	manifest.AddFileOffset("__m__k2.bin", 8, 8, hashOf(shared[8:]))
	finishPartDir(t, serverDisk, "all_1_1_0", manifest)
	part, err := serverCatalog.CreatePart("all_1_1_0", serverDisk, "all_1_1_0")
	require.NoError(t, err)
	require.True(t, part.EnableCompactMapData)
	serverCatalog.AddPart(part, parts.Committed)

	_, host, port := newTestServer(t, serverCatalog, &cfg, "node1")

	fetchDisk := newTestDisk(t)
	fetchCatalog := parts.NewCatalog("visits", fetchDisk)
	fetcher := newTestFetcher(t, fetchCatalog, &cfg)
	fetched, err := fetcher.FetchPart(context.Background(), FetchPartInput{
		PartName: "all_1_1_0", ReplicaNode: "node1", Host: host, Port: port,
	})
	require.NoError(t, err)

	requireSameFile(t, fetchDisk, fetched.RelativePath+"/m.bin", shared)
	k1, ok := fetched.Checksums.Get("__m__k1.bin")
	require.True(t, ok)
	require.EqualValues(t, 0, k1.FileOffset)
	k2, ok := fetched.Checksums.Get("__m__k2.bin")
	require.True(t, ok)
	require.EqualValues(t, 8, k2.FileOffset)
}
