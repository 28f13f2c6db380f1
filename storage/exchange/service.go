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
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	stderrors "errors"
	"github.com/gorilla/mux"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/Mu-L/ByConity/config"
	"github.com/Mu-L/ByConity/storage/parts"
	"github.com/Mu-L/ByConity/util/logutil"
)

// totalSends counts in-flight part sends across every table of the process.
var totalSends atomic.Int32

// Service is the producer side of the part exchange: it serves FetchPart,
// FetchList and checkExist for one table.
type Service struct {
	data      *parts.Catalog
	cfg       *config.PartsExchangeConfig
	blocker   ActionBlocker
	throttler *Throttler
	log       *zap.Logger
}

// NewService builds the exchange service of one table.
func NewService(data *parts.Catalog, cfg *config.PartsExchangeConfig) *Service {
	return &Service{
		data:      data,
		cfg:       cfg,
		throttler: NewThrottler(cfg.MaxBytesPerSecond),
		log:       logutil.Logger("PartsService").With(zap.String("table", data.TableName())),
	}
}

// Blocker returns the cancellation token of this service.
func (s *Service) Blocker() *ActionBlocker { return &s.blocker }

// ProcessQuery dispatches one exchange request.
func (s *Service) ProcessQuery(w http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	qtype := query.Get("qtype")
	if qtype == "" {
		qtype = QueryFetchPart
	}
	switch qtype {
	case QueryFetchPart:
		incrementally := query.Get("fetch_part_incrementally") == "true"
		s.processQueryPart(w, req, incrementally)
	case QueryFetchList:
		s.processQueryPartList(w, req)
	case QueryCheckExist:
		s.processQueryExist(w, req)
	default:
		s.writeError(w, http.StatusInternalServerError, errors.Annotatef(ErrLogical, "not support qtype: %s", qtype))
	}
}

func (s *Service) writeError(w http.ResponseWriter, status int, err error) {
	s.log.Warn("part exchange request failed", zap.Error(err))
	http.Error(w, err.Error(), status)
}

// trackedWriter distinguishes failures to write to the peer (network) from
// failures to read local data (broken part).
type trackedWriter struct {
	w      io.Writer
	failed bool
}

func (t *trackedWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil {
		t.failed = true
	}
	return n, err
}

func (s *Service) processQueryPart(w http.ResponseWriter, req *http.Request, incrementally bool) {
	query := req.URL.Query()
	clientVersion, _ := strconv.Atoi(query.Get("client_protocol_version"))
	partName := query.Get("part")

	// Validation of input that may come from a malicious replica.
	if _, err := parts.ParsePartName(partName); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Annotate(ErrValidation, err.Error()))
		return
	}

	if (s.cfg.ReplicatedMaxParallelSends > 0 && int(totalSends.Load()) >= s.cfg.ReplicatedMaxParallelSends) ||
		(s.cfg.ReplicatedMaxParallelSendsForTable > 0 && int(s.data.CurrentTableSends().Load()) >= s.cfg.ReplicatedMaxParallelSendsForTable) {
		w.Header().Set("Retry-After", "10")
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	serverVersion := clientVersion
	if serverVersion > ProtocolVersionWithPartsProjection {
		serverVersion = ProtocolVersionWithPartsProjection
	}
	http.SetCookie(w, &http.Cookie{Name: CookieServerProtocolVersion, Value: strconv.Itoa(serverVersion)})
	if incrementally {
		http.SetCookie(w, &http.Cookie{Name: CookieFetchPartIncrementally, Value: "true"})
	}

	totalSends.Inc()
	defer totalSends.Dec()
	s.data.CurrentTableSends().Inc()
	defer s.data.CurrentTableSends().Dec()

	s.log.Debug("sending part", zap.String("part", partName))

	part := s.data.PartIfExists(partName, parts.PreCommitted, parts.Committed, parts.Outdated)
	if part == nil {
		s.writeError(w, http.StatusInternalServerError, errors.Annotatef(ErrNoSuchDataPart, "no part %s in table", partName))
		return
	}

	var oldChecksums *parts.Checksums
	if incrementally {
		old := parts.NewChecksums()
		ok, err := old.Read(bufio.NewReader(req.Body))
		if err != nil || !ok {
			s.writeError(w, http.StatusInternalServerError, errors.Trace(ErrFormatVersionTooOld))
			return
		}
		oldChecksums = old
	}

	tryUseS3 := false
	if s.cfg.AllowRemoteFSZeroCopyReplication && clientVersion >= ProtocolVersionWithPartsS3Copy {
		if query.Get("send_s3_metadata") == "1" {
			if _, ok := part.Disk.(parts.RemoteDisk); ok && part.Disk.Kind() == parts.DiskS3 {
				tryUseS3 = true
			}
		}
	}
	if tryUseS3 {
		http.SetCookie(w, &http.Cookie{Name: CookieSendS3Metadata, Value: "1"})
	}

	out := &trackedWriter{w: w}
	err := func() error {
		if clientVersion >= ProtocolVersionWithPartsSize {
			if err := writeUint64(out, part.Checksums.TotalSizeOnDisk()); err != nil {
				return err
			}
		}
		if clientVersion >= ProtocolVersionWithPartsSizeAndTTLInfos {
			if err := writeString(out, part.TTLInfos.String()); err != nil {
				return err
			}
		}
		if clientVersion >= ProtocolVersionWithPartsType {
			if err := writeString(out, string(part.Type)); err != nil {
				return err
			}
		}
		if clientVersion >= ProtocolVersionWithPartsUUID {
			if err := writeUUIDText(out, part.UUID); err != nil {
				return err
			}
		}
		switch {
		case tryUseS3:
			return s.sendPartS3Metadata(part, out)
		case clientVersion >= ProtocolVersionWithPartsProjection:
			if err := writeUint64(out, uint64(len(part.Projections))); err != nil {
				return err
			}
			if part.Type == parts.InMemory {
				return s.sendPartFromMemory(part, out, true)
			}
			_, err := s.sendPartFromDisk(part, out, clientVersion, oldChecksums, true)
			return err
		default:
			if part.Type == parts.InMemory {
				return s.sendPartFromMemory(part, out, false)
			}
			_, err := s.sendPartFromDisk(part, out, clientVersion, oldChecksums, false)
			return err
		}
	}()
	if err == nil {
		return
	}
	// The stream may already be half-written; the only honest signal left
	// is to abort the connection so the peer sees a truncated stream.
	if !stderrors.Is(err, ErrAborted) && !out.failed {
		brokenName := partName
		if part.IsProjectionPart() {
			brokenName = part.ParentPart().Name
		}
		s.data.ReportBrokenPart(brokenName)
	}
	s.log.Error("sending part failed", zap.String("part", partName), zap.Error(err))
	panic(http.ErrAbortHandler)
}

// sendPartFromDisk streams a part's files in manifest order (or ascending
// file offset for compact-map parts), returning the manifest of what was
// actually sent.
func (s *Service) sendPartFromDisk(
	part *parts.Part,
	out io.Writer,
	clientVersion int,
	oldChecksums *parts.Checksums,
	sendProjections bool,
) (*parts.Checksums, error) {
	checksums := part.Checksums.Clone()
	for _, fileName := range part.FileNamesWithoutChecksums {
		if clientVersion < ProtocolVersionWithPartsDefaultCompression && fileName == parts.DefaultCompressionCodecFileName {
			continue
		}
		checksums.AddEmpty(fileName)
	}

	dataChecksums := parts.NewChecksums()
	for _, name := range part.ProjectionNames() {
		projection := part.Projections[name]
		checksums.Remove(name + ".proj")
		if sendProjections {
			if err := writeString(out, name); err != nil {
				return nil, err
			}
			projChecksums, err := s.sendPartFromDisk(projection, out, clientVersion, nil, false)
			if err != nil {
				return nil, err
			}
			dataChecksums.AddFile(name+".proj", projChecksums.TotalSizeOnDisk(), projChecksums.TotalChecksum())
		} else if sum, ok := part.Checksums.Get(name + ".proj"); ok {
			// The projection is not sent; fold our own entry in to satisfy
			// the final self-check.
			dataChecksums.AddFile(name+".proj", sum.FileSize, sum.FileHash)
		}
	}

	enableCompactMapData := part.EnableCompactMapData
	incrementally := oldChecksums != nil

	skipCopy := parts.NewChecksums()
	for _, fileName := range checksums.FileNames() {
		sum, _ := checksums.Get(fileName)
		// Dictionary-compression sidecars are re-derivable; never stream
		// them, but keep their entries for verification.
		if strings.HasSuffix(fileName, parts.CompressionDataFileExtension) || strings.HasSuffix(fileName, parts.CompressionMarksFileExtension) {
			dataChecksums.AddFile(fileName, sum.FileSize, sum.FileHash)
			checksums.Remove(fileName)
			continue
		}
		if enableCompactMapData && parts.IsMapImplicitFile(fileName) {
			continue
		}
		if incrementally && fileName != parts.ChecksumsFileName && fileName != parts.ColumnsFileName &&
			checksums.Equal(oldChecksums, fileName) {
			skipCopy.AddFile(fileName, sum.FileSize, sum.FileHash)
			checksums.Remove(fileName)
		}
	}

	if err := writeUint64(out, uint64(checksums.Len())); err != nil {
		return nil, err
	}
	if err := writeBool(out, enableCompactMapData); err != nil {
		return nil, err
	}

	sendOrder := checksums.FileNames()
	if enableCompactMapData {
		// Implicit sub-columns of one map column share a file; they must be
		// sent in ascending offset order so the receiver can append.
		sort.SliceStable(sendOrder, func(i, j int) bool {
			a, _ := checksums.Get(sendOrder[i])
			b, _ := checksums.Get(sendOrder[j])
			return a.FileOffset < b.FileOffset
		})
	}

	if incrementally {
		if err := writeUint64(out, uint64(skipCopy.Len())); err != nil {
			return nil, err
		}
		for _, fileName := range skipCopy.FileNames() {
			sum, _ := skipCopy.Get(fileName)
			if err := writeString(out, fileName); err != nil {
				return nil, err
			}
			if err := writeUint64(out, sum.FileSize); err != nil {
				return nil, err
			}
			if err := writeHash(out, sum.FileHash); err != nil {
				return nil, err
			}
			if s.blocker.IsCancelled() {
				return nil, errors.Annotate(ErrAborted, "transferring part to replica was cancelled")
			}
			if fileName != parts.ChecksumsFileName && fileName != parts.ColumnsFileName {
				dataChecksums.AddFile(fileName, sum.FileSize, sum.FileHash)
			}
		}
	}

	for _, fileName := range sendOrder {
		sum, _ := checksums.Get(fileName)
		var (
			path string
			size uint64
		)
		implicitMap := enableCompactMapData && parts.IsMapImplicitFile(fileName)
		if implicitMap {
			path = part.FilePath(parts.MapFileNameFromImplicitFileName(fileName))
			size = sum.FileSize
		} else {
			path = part.FilePath(fileName)
			fileSize, err := part.Disk.FileSize(path)
			if err != nil {
				return nil, errors.Trace(err)
			}
			size = fileSize
		}

		if err := writeString(out, fileName); err != nil {
			return nil, err
		}
		if err := writeUint64(out, size); err != nil {
			return nil, err
		}

		fileIn, err := part.Disk.Open(path)
		if err != nil {
			return nil, errors.Trace(err)
		}
		hashingOut := newHashingWriter(out)
		if implicitMap {
			if _, err := fileIn.Seek(int64(sum.FileOffset), io.SeekStart); err != nil {
				_ = fileIn.Close()
				return nil, errors.Trace(err)
			}
			err = copyExactWithThrottler(hashingOut, fileIn, size, &s.blocker, s.throttler)
		} else {
			_, err = copyWithThrottler(hashingOut, fileIn, &s.blocker, s.throttler)
		}
		_ = fileIn.Close()
		if err != nil {
			return nil, err
		}
		if s.blocker.IsCancelled() {
			return nil, errors.Annotate(ErrAborted, "transferring part to replica was cancelled")
		}
		if hashingOut.Count() != size {
			return nil, errors.Annotatef(ErrBadSizeOfFile, "unexpected size of file %s", path)
		}
		if err := writeHash(out, hashingOut.Hash()); err != nil {
			return nil, err
		}
		if !part.HasFileWithoutChecksum(fileName) {
			dataChecksums.AddFile(fileName, hashingOut.Count(), hashingOut.Hash())
		}
	}

	if err := part.Checksums.CheckEqual(dataChecksums, false); err != nil {
		return nil, err
	}
	return dataChecksums, nil
}

func (s *Service) sendPartFromMemory(part *parts.Part, out io.Writer, sendProjections bool) error {
	if sendProjections {
		for _, name := range part.ProjectionNames() {
			projection := part.Projections[name]
			if projection.Block == nil {
				return errors.Annotatef(ErrLogical, "projection %s of part %s is not stored in memory", name, part.Name)
			}
			if err := writeString(out, name); err != nil {
				return err
			}
			if err := projection.Checksums.Write(out); err != nil {
				return err
			}
			if err := parts.WriteBlock(out, projection.Block); err != nil {
				return err
			}
		}
	}
	if part.Block == nil {
		return errors.Annotatef(ErrLogical, "part %s is not stored in memory", part.Name)
	}
	if err := part.Checksums.Write(out); err != nil {
		return err
	}
	if err := parts.WriteBlock(out, part.Block); err != nil {
		return err
	}
	s.throttler.Add(part.Block.Bytes())
	return nil
}

func (s *Service) sendPartS3Metadata(part *parts.Part, out io.Writer) error {
	checksums := part.Checksums.Clone()
	for _, fileName := range part.FileNamesWithoutChecksums {
		checksums.AddEmpty(fileName)
	}

	disk, ok := part.Disk.(parts.RemoteDisk)
	if !ok || part.Disk.Kind() != parts.DiskS3 {
		return errors.Annotate(ErrLogical, "S3 disk is not S3 anymore")
	}

	s.data.LockSharedData(part)

	if err := writeString(out, disk.UniqueID(part.RelativePath)); err != nil {
		return err
	}
	if err := writeUint64(out, uint64(checksums.Len())); err != nil {
		return err
	}
	for _, fileName := range checksums.FileNames() {
		metadata, err := disk.ReadMetadata(part.FilePath(fileName))
		if err != nil {
			return errors.Annotatef(ErrCorruptedData, "S3 metadata %q: %v", fileName, err)
		}
		if err := writeString(out, fileName); err != nil {
			return err
		}
		if err := writeUint64(out, uint64(len(metadata))); err != nil {
			return err
		}
		hashingOut := newHashingWriter(out)
		if _, err := hashingOut.Write(metadata); err != nil {
			return errors.Trace(err)
		}
		s.throttler.Add(uint64(len(metadata)))
		if s.blocker.IsCancelled() {
			return errors.Annotate(ErrAborted, "transferring part to replica was cancelled")
		}
		if err := writeHash(out, hashingOut.Hash()); err != nil {
			return err
		}
	}
	return nil
}

// processQueryPartList serves the part-name listing. The filter is either a
// comparison expression parsed server-side or a partition id, the special
// value "all" selecting everything.
func (s *Service) processQueryPartList(w http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()

	var dataParts []*parts.Part
	if filter := query.Get("filter"); filter != "" {
		filtered, err := s.data.PartsByPredicate(filter)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		dataParts = filtered
	} else {
		partitionID := query.Get("id")
		s.log.Debug("sending parts namelist", zap.String("partition", partitionID))
		if partitionID == "all" {
			dataParts = s.data.DataParts()
		} else {
			dataParts = s.data.DataPartsInPartition(partitionID)
		}
	}

	if err := writeUint64(w, uint64(len(dataParts))); err != nil {
		return
	}
	for _, part := range dataParts {
		if err := writeString(w, part.Name); err != nil {
			return
		}
	}
}

func (s *Service) processQueryExist(w http.ResponseWriter, req *http.Request) {
	partName := req.URL.Query().Get("part")
	part := s.data.PartIfExists(partName, parts.PreCommitted, parts.Committed, parts.Outdated)
	exist := byte('N')
	if part != nil {
		exist = 'Y'
	}
	_, _ = w.Write([]byte{exist})
}

// Handler routes exchange requests to the service registered for the
// endpoint named in the query, the interserver convention every replica
// follows.
type Handler struct {
	services map[string]*Service
}

// NewHandler returns an empty endpoint registry.
func NewHandler() *Handler {
	return &Handler{services: make(map[string]*Service)}
}

// Register binds a service to an endpoint id.
func (h *Handler) Register(endpointID string, svc *Service) {
	h.services[endpointID] = svc
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	endpoint := req.URL.Query().Get("endpoint")
	svc, ok := h.services[endpoint]
	if !ok {
		http.Error(w, "no endpoint "+endpoint, http.StatusNotFound)
		return
	}
	svc.ProcessQuery(w, req)
}

// RegisterRoutes mounts the exchange endpoint on a router.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.Methods(http.MethodPost).Path("/").Handler(h)
}
