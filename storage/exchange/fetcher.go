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
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	stderrors "errors"
	"github.com/danjacques/gofslock/fslock"
	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"go.uber.org/zap"

	"github.com/Mu-L/ByConity/config"
	"github.com/Mu-L/ByConity/storage/parts"
	"github.com/Mu-L/ByConity/util/logutil"
)

const tmpFetchPrefix = "tmp-fetch_"

// Fetcher is the consumer side of the part exchange: it downloads a part
// from a peer replica into a local reservation.
type Fetcher struct {
	data      *parts.Catalog
	cfg       *config.PartsExchangeConfig
	client    *http.Client
	blocker   ActionBlocker
	throttler *Throttler
	log       *zap.Logger
}

// NewFetcher builds a fetcher over the catalog that will own the fetched
// parts.
func NewFetcher(data *parts.Catalog, cfg *config.PartsExchangeConfig) *Fetcher {
	transport := &http.Transport{}
	if cfg.ReplicatedMaxParallelFetchesForHost > 0 {
		transport.MaxConnsPerHost = cfg.ReplicatedMaxParallelFetchesForHost
	}
	return &Fetcher{
		data:      data,
		cfg:       cfg,
		client:    &http.Client{Transport: transport},
		throttler: NewThrottler(cfg.MaxBytesPerSecond),
		log:       logutil.Logger("Fetcher").With(zap.String("table", data.TableName())),
	}
}

// Blocker returns the cancellation token of this fetcher.
func (f *Fetcher) Blocker() *ActionBlocker { return &f.blocker }

// FetchPartInput names the peer and the part to fetch.
type FetchPartInput struct {
	PartName    string
	ReplicaNode string
	Scheme      string
	Host        string
	Port        int
	User        string
	Password    string
	ToDetached  bool
	// TmpPrefix overrides the tmp-fetch_ download prefix; it must not
	// contain '.' or '/'.
	TmpPrefix string
	// TryZeroCopy asks the peer for object-store metadata instead of bytes.
	TryZeroCopy bool
	DiskS3      parts.Disk
	// Incrementally hard-links files unchanged since the prior local
	// version instead of transferring them.
	Incrementally bool
}

func (in FetchPartInput) baseURL() string {
	scheme := in.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + in.Host + ":" + strconv.Itoa(in.Port) + "/"
}

// FetchPart downloads one part and returns it, loaded and verified but not
// yet committed.
func (f *Fetcher) FetchPart(ctx context.Context, in FetchPartInput) (*parts.Part, error) {
	if f.blocker.IsCancelled() {
		return nil, errors.Annotate(ErrAborted, "fetching of part was cancelled")
	}

	// Validation of input that may come from a malicious replica.
	partInfo, err := parts.ParsePartName(in.PartName)
	if err != nil {
		return nil, errors.Annotate(ErrValidation, err.Error())
	}

	var oldVersionPart *parts.Part
	if in.Incrementally {
		oldVersionPart = f.data.OldVersionPart(in.PartName)
	}

	tryUseS3 := in.TryZeroCopy
	if !f.cfg.AllowRemoteFSZeroCopyReplication {
		tryUseS3 = false
	}
	if tryUseS3 && in.DiskS3 != nil && in.DiskS3.Kind() != parts.DiskS3 {
		return nil, errors.Annotate(ErrLogical, "try to fetch shared s3 part on non-s3 disk")
	}
	var disksS3 []parts.Disk
	if tryUseS3 {
		if in.DiskS3 != nil {
			disksS3 = []parts.Disk{in.DiskS3}
		} else {
			disksS3 = f.data.DisksByKind(parts.DiskS3)
			if len(disksS3) == 0 {
				tryUseS3 = false
			}
		}
	}

	query := url.Values{}
	query.Set("endpoint", EndpointID(in.ReplicaNode))
	query.Set("part", in.PartName)
	query.Set("client_protocol_version", strconv.Itoa(ProtocolVersionWithPartsProjection))
	query.Set("compress", "false")
	if oldVersionPart != nil {
		query.Set("fetch_part_incrementally", "true")
	} else {
		query.Set("fetch_part_incrementally", "false")
	}
	if tryUseS3 {
		query.Set("send_s3_metadata", "1")
	}

	var body io.Reader
	if oldVersionPart != nil {
		body = strings.NewReader(oldVersionPart.Checksums.Serialized())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, in.baseURL()+"?"+query.Encode(), body)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if in.User != "" {
		req.SetBasicAuth(in.User, in.Password)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, errors.Annotatef(ErrTooManyFetches, "retry after %s seconds", resp.Header.Get("Retry-After"))
	default:
		return nil, errors.Errorf("fetching part %s: unexpected status %s", in.PartName, resp.Status)
	}

	serverVersion := 0
	sendS3 := false
	incrementallyConfirmed := false
	for _, cookie := range resp.Cookies() {
		switch cookie.Name {
		case CookieServerProtocolVersion:
			serverVersion, _ = strconv.Atoi(cookie.Value)
		case CookieSendS3Metadata:
			sendS3 = cookie.Value == "1"
		case CookieFetchPartIncrementally:
			incrementallyConfirmed = cookie.Value == "true"
		}
	}
	// The server may downgrade the incremental decision.
	if oldVersionPart != nil && !incrementallyConfirmed {
		oldVersionPart = nil
	}

	r := bufio.NewReader(resp.Body)

	if sendS3 {
		if serverVersion < ProtocolVersionWithPartsS3Copy {
			return nil, errors.Annotate(ErrLogical, "got 'send_s3_metadata' cookie with old protocol version")
		}
		if !tryUseS3 {
			return nil, errors.Annotate(ErrLogical, "got 'send_s3_metadata' cookie when was not requested")
		}
		if _, err := readUint64(r); err != nil {
			return nil, err
		}
		ttlString, err := readString(r)
		if err != nil {
			return nil, err
		}
		if _, err := parts.ParseTTLInfos(ttlString); err != nil {
			return nil, err
		}
		partTypeString, err := readString(r)
		if err != nil {
			return nil, err
		}
		partType, err := parts.ParsePartType(partTypeString)
		if err != nil {
			return nil, errors.Annotate(ErrCorruptedData, err.Error())
		}
		if partType == parts.InMemory {
			return nil, errors.Annotate(ErrIncorrectPartType, "got 'send_s3_metadata' cookie for in-memory part")
		}
		if _, err := readUUIDText(r); err != nil {
			return nil, err
		}
		part, err := f.downloadPartToS3(in.PartName, partInfo, in.ToDetached, in.TmpPrefix, disksS3, r)
		if err != nil {
			if !stderrors.Is(err, ErrS3) {
				return nil, err
			}
			f.log.Warn("zero-copy fetch failed, falling back to normal mode",
				zap.String("part", in.PartName), zap.Error(err))
			retry := in
			retry.TryZeroCopy = false
			retry.DiskS3 = nil
			return f.FetchPart(ctx, retry)
		}
		return part, nil
	}

	var reservation *parts.Reservation
	var sumFilesSize uint64
	if serverVersion >= ProtocolVersionWithPartsSize {
		if sumFilesSize, err = readUint64(r); err != nil {
			return nil, err
		}
		if serverVersion >= ProtocolVersionWithPartsSizeAndTTLInfos {
			ttlString, err := readString(r)
			if err != nil {
				return nil, err
			}
			ttlInfos, err := parts.ParseTTLInfos(ttlString)
			if err != nil {
				return nil, err
			}
			if reservation, err = f.data.ReservePreferringTTL(sumFilesSize, ttlInfos); err != nil {
				return nil, err
			}
		} else {
			if reservation, err = f.data.ReservePreferringTTL(sumFilesSize, parts.TTLInfos{}); err != nil {
				return nil, err
			}
		}
	} else {
		// The sender is too old to announce a size.
		if reservation, err = f.data.ReserveOnLargestDisk(); err != nil {
			return nil, err
		}
	}

	sync := f.cfg.MinCompressedBytesToFsyncAfterFetch > 0 &&
		sumFilesSize >= f.cfg.MinCompressedBytesToFsyncAfterFetch

	partType := parts.Wide
	if serverVersion >= ProtocolVersionWithPartsType {
		partTypeString, err := readString(r)
		if err != nil {
			return nil, err
		}
		if partType, err = parts.ParsePartType(partTypeString); err != nil {
			return nil, errors.Annotate(ErrCorruptedData, err.Error())
		}
	}

	partUUID := uuid.Nil
	if serverVersion >= ProtocolVersionWithPartsUUID {
		if partUUID, err = readUUIDText(r); err != nil {
			return nil, err
		}
	}

	var projections uint64
	if serverVersion >= ProtocolVersionWithPartsProjection {
		if projections, err = readUint64(r); err != nil {
			return nil, err
		}
	}

	if partType == parts.InMemory {
		return f.downloadPartToMemory(in.PartName, partInfo, partUUID, r, projections)
	}
	return f.downloadPartToDisk(in.PartName, partInfo, in.ToDetached, in.TmpPrefix, sync,
		reservation.Disk(), r, projections, oldVersionPart)
}

// FetchPartList asks a peer for its part names, filtered by a partition id
// ("all" selects everything) or a predicate expression.
func (f *Fetcher) FetchPartList(ctx context.Context, partitionID, filter, endpointNode, scheme, host string, port int) ([]string, error) {
	query := url.Values{}
	query.Set("qtype", QueryFetchList)
	query.Set("endpoint", EndpointID(endpointNode))
	query.Set("id", partitionID)
	query.Set("filter", filter)
	query.Set("compress", "false")
	if scheme == "" {
		scheme = "http"
	}
	reqURL := scheme + "://" + host + ":" + strconv.Itoa(port) + "/?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("fetching part list: unexpected status %s", resp.Status)
	}
	r := bufio.NewReader(resp.Body)
	numParts, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	if numParts > 1<<32 {
		return nil, errors.Annotatef(ErrCorruptedData, "implausible part count %d", numParts)
	}
	names := make([]string, 0, numParts)
	for i := uint64(0); i < numParts; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

// CheckPartExists asks a peer whether it holds a part in any state.
func (f *Fetcher) CheckPartExists(ctx context.Context, partName, endpointNode, scheme, host string, port int) (bool, error) {
	query := url.Values{}
	query.Set("qtype", QueryCheckExist)
	query.Set("endpoint", EndpointID(endpointNode))
	query.Set("part", partName)
	if scheme == "" {
		scheme = "http"
	}
	reqURL := scheme + "://" + host + ":" + strconv.Itoa(port) + "/?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, nil)
	if err != nil {
		return false, errors.Trace(err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return false, errors.Trace(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, errors.Errorf("checking part existence: unexpected status %s", resp.Status)
	}
	var answer [1]byte
	if _, err := io.ReadFull(resp.Body, answer[:]); err != nil {
		return false, errors.Trace(err)
	}
	return answer[0] == 'Y', nil
}

func validateTmpPrefix(tmpPrefix, partName string) (string, error) {
	if tmpPrefix == "" {
		tmpPrefix = tmpFetchPrefix
	}
	if partName == "" ||
		strings.ContainsAny(tmpPrefix, "/.") ||
		strings.ContainsAny(partName, "/.") {
		return "", errors.Annotate(ErrValidation,
			"tmp_prefix and part_name cannot be empty or contain '.' or '/' characters")
	}
	return tmpPrefix, nil
}

func (f *Fetcher) downloadPartToDisk(
	partName string,
	partInfo parts.PartInfo,
	toDetached bool,
	tmpPrefix string,
	sync bool,
	disk parts.Disk,
	r *bufio.Reader,
	projections uint64,
	oldVersionPart *parts.Part,
) (retPart *parts.Part, retErr error) {
	tmpPrefix, err := validateTmpPrefix(tmpPrefix, partName)
	if err != nil {
		return nil, err
	}

	relativePath := tmpPrefix + partName
	if toDetached {
		relativePath = "detached/" + relativePath
	}

	if disk.Exists(relativePath) {
		f.log.Warn("directory already exists, probably result of a failed fetch; removing it",
			zap.String("path", relativePath))
		if err := disk.RemoveRecursive(relativePath); err != nil {
			return nil, err
		}
	}
	if err := disk.CreateDirectories(relativePath); err != nil {
		return nil, err
	}

	// The fetcher owns the download directory exclusively until the part is
	// handed to the storage engine.
	claim, err := fslock.Lock(filepath.Join(disk.Path(), relativePath+".lock"))
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer func() {
		_ = claim.Unlock()
		_ = disk.RemoveRecursive(relativePath + ".lock")
		if retErr != nil {
			_ = disk.RemoveRecursive(relativePath)
		}
	}()

	checksums := parts.NewChecksums()
	for i := uint64(0); i < projections; i++ {
		projectionName, err := readString(r)
		if err != nil {
			return nil, err
		}
		if strings.ContainsAny(projectionName, "/.") || projectionName == "" {
			return nil, errors.Annotatef(ErrInsecurePath, "projection name %q", projectionName)
		}
		projectionPath := relativePath + "/" + projectionName + ".proj"
		if err := disk.CreateDirectories(projectionPath); err != nil {
			return nil, err
		}
		projectionChecksums := parts.NewChecksums()
		// Skip-copy frames exist for the base stream only; projections are
		// always transferred in full.
		if err := f.downloadBaseOrProjectionPartToDisk(projectionPath, sync, disk, r, projectionChecksums, false, nil); err != nil {
			return nil, err
		}
		checksums.AddFile(projectionName+".proj", projectionChecksums.TotalSizeOnDisk(), projectionChecksums.TotalChecksum())
	}

	if err := f.downloadBaseOrProjectionPartToDisk(relativePath, sync, disk, r, checksums, oldVersionPart != nil, oldVersionPart); err != nil {
		return nil, err
	}

	if err := assertEOF(r); err != nil {
		return nil, err
	}

	newPart, err := f.data.CreatePart(partName, disk, relativePath)
	if err != nil {
		return nil, err
	}
	newPart.Info = partInfo
	newPart.IsTemp = true
	if err := newPart.Checksums.CheckEqual(checksums, false); err != nil {
		return nil, errors.Annotate(ErrChecksumMismatch, err.Error())
	}
	if newPart.Checksums.AdjustImplicitKeyOffset(checksums) {
		f.log.Info("checksums have different implicit key offsets, rewriting manifest",
			zap.String("part", newPart.Name))
		out, err := disk.Create(relativePath+"/"+parts.ChecksumsFileName, false)
		if err != nil {
			return nil, err
		}
		if err := newPart.Checksums.Write(out); err != nil {
			_ = out.Close()
			return nil, err
		}
		if sync {
			if err := out.Sync(); err != nil {
				_ = out.Close()
				return nil, errors.Trace(err)
			}
		}
		if err := out.Close(); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if f.cfg.FsyncPartDirectory {
		if err := disk.SyncDirectory(relativePath); err != nil {
			return nil, err
		}
	}
	f.data.AddPart(newPart, parts.PreCommitted)
	return newPart, nil
}

func (f *Fetcher) downloadBaseOrProjectionPartToDisk(
	downloadPath string,
	sync bool,
	disk parts.Disk,
	r *bufio.Reader,
	checksums *parts.Checksums,
	incrementally bool,
	oldVersionPart *parts.Part,
) error {
	files, err := readUint64(r)
	if err != nil {
		return err
	}
	enableCompactMapData, err := readBool(r)
	if err != nil {
		return err
	}

	if incrementally {
		skipCopyFiles, err := readUint64(r)
		if err != nil {
			return err
		}
		for i := uint64(0); i < skipCopyFiles; i++ {
			streamName, err := readString(r)
			if err != nil {
				return err
			}
			fileSize, err := readUint64(r)
			if err != nil {
				return err
			}
			expectedHash, err := readHash(r)
			if err != nil {
				return err
			}
			if err := f.checkFileInsidePart(disk, downloadPath, streamName); err != nil {
				return err
			}
			if oldVersionPart == nil {
				return errors.Annotatef(ErrLogical, "skip-copy frame for %s without a prior local part", streamName)
			}
			if err := disk.HardLink(oldVersionPart.FilePath(streamName), downloadPath+"/"+streamName); err != nil {
				return err
			}
			if f.blocker.IsCancelled() {
				_ = disk.RemoveRecursive(downloadPath)
				return errors.Annotate(ErrAborted, "fetching of part was cancelled")
			}
			if streamName != parts.ChecksumsFileName && streamName != parts.ColumnsFileName {
				checksums.AddFile(streamName, fileSize, expectedHash)
			}
		}
	}

	for i := uint64(0); i < files; i++ {
		streamName, err := readString(r)
		if err != nil {
			return err
		}
		fileSize, err := readUint64(r)
		if err != nil {
			return err
		}

		// When compact map data is enabled an implicit sub-column appends to
		// the map column's shared file.
		needAppend := false
		fileName := streamName
		if enableCompactMapData && parts.IsMapImplicitFile(streamName) {
			needAppend = true
			fileName = parts.MapFileNameFromImplicitFileName(streamName)
		}

		if err := f.checkFileInsidePart(disk, downloadPath, fileName); err != nil {
			return err
		}

		// The local offset may differ from the sender's: clearing map keys
		// drops manifest entries without rewriting the shared file.
		var fileOffset uint64
		filePath := downloadPath + "/" + fileName
		if needAppend && disk.Exists(filePath) {
			if fileOffset, err = disk.FileSize(filePath); err != nil {
				return err
			}
		}

		fileOut, err := disk.Create(filePath, needAppend)
		if err != nil {
			return err
		}
		hashingOut := newHashingWriter(fileOut)
		copyErr := copyExactWithThrottler(hashingOut, r, fileSize, &f.blocker, f.throttler)
		failpoint.Inject("failAfterFileWrite", func() {
			copyErr = errors.New("injected fetch failure")
		})
		if copyErr != nil {
			_ = fileOut.Close()
			if f.blocker.IsCancelled() || stderrors.Is(copyErr, ErrAborted) {
				_ = disk.RemoveRecursive(downloadPath)
				return errors.Annotate(ErrAborted, "fetching of part was cancelled")
			}
			return copyErr
		}
		if f.blocker.IsCancelled() {
			_ = fileOut.Close()
			_ = disk.RemoveRecursive(downloadPath)
			return errors.Annotate(ErrAborted, "fetching of part was cancelled")
		}

		expectedHash, err := readHash(r)
		if err != nil {
			_ = fileOut.Close()
			return err
		}
		if expectedHash != hashingOut.Hash() {
			_ = fileOut.Close()
			return errors.Annotatef(ErrChecksumMismatch, "file %s transferred from peer", filePath)
		}
		if streamName != parts.ChecksumsFileName &&
			streamName != parts.ColumnsFileName &&
			streamName != parts.DefaultCompressionCodecFileName {
			checksums.AddFileOffset(streamName, fileOffset, fileSize, expectedHash)
		}
		if sync {
			if err := fileOut.Sync(); err != nil {
				_ = fileOut.Close()
				return errors.Trace(err)
			}
		}
		if err := fileOut.Close(); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// checkFileInsidePart refuses any peer-supplied file name that would land
// outside the download directory.
func (f *Fetcher) checkFileInsidePart(disk parts.Disk, downloadPath, fileName string) error {
	base := filepath.Join(disk.Path(), filepath.FromSlash(downloadPath))
	absolute := filepath.Clean(filepath.Join(base, filepath.FromSlash(fileName)))
	if absolute == base || !strings.HasPrefix(absolute, base+string(filepath.Separator)) {
		return errors.Annotatef(ErrInsecurePath,
			"file path (%s) doesn't appear to be inside part path (%s); "+
				"this may happen when downloading from a malicious replica", absolute, base)
	}
	return nil
}

func (f *Fetcher) downloadPartToMemory(
	partName string,
	partInfo parts.PartInfo,
	partUUID uuid.UUID,
	r *bufio.Reader,
	projections uint64,
) (*parts.Part, error) {
	newPart := &parts.Part{
		Name: partName,
		Info: partInfo,
		UUID: partUUID,
		Type: parts.InMemory,
	}

	for i := uint64(0); i < projections; i++ {
		projectionName, err := readString(r)
		if err != nil {
			return nil, err
		}
		received := parts.NewChecksums()
		ok, err := received.Read(r)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Annotate(ErrCorruptedData, "cannot deserialize checksums")
		}
		block, err := parts.ReadBlock(r)
		if err != nil {
			return nil, err
		}
		f.throttler.Add(block.Bytes())
		projection := &parts.Part{
			Name:  projectionName,
			Info:  parts.PartInfo{PartitionID: "all"},
			Type:  parts.InMemory,
			Block: block,
		}
		projection.Checksums = parts.BlockChecksums(block)
		if err := projection.Checksums.CheckEqual(received, true); err != nil {
			return nil, errors.Annotate(ErrChecksumMismatch, err.Error())
		}
		newPart.AddProjection(projectionName, projection)
	}

	received := parts.NewChecksums()
	ok, err := received.Read(r)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Annotate(ErrCorruptedData, "cannot deserialize checksums")
	}
	block, err := parts.ReadBlock(r)
	if err != nil {
		return nil, err
	}
	f.throttler.Add(block.Bytes())
	newPart.Block = block
	newPart.IsTemp = true

	// The normal writer rederives checksums and the min-max index; the
	// partition id stays the one parsed from the part name.
	if err := f.data.WriteInMemoryPart(newPart); err != nil {
		return nil, err
	}
	if err := newPart.Checksums.CheckEqual(received, true); err != nil {
		return nil, errors.Annotate(ErrChecksumMismatch, err.Error())
	}
	return newPart, nil
}

func (f *Fetcher) downloadPartToS3(
	partName string,
	partInfo parts.PartInfo,
	toDetached bool,
	tmpPrefix string,
	disksS3 []parts.Disk,
	r *bufio.Reader,
) (retPart *parts.Part, retErr error) {
	if len(disksS3) == 0 {
		return nil, errors.Annotate(ErrLogical, "no S3 disks anymore")
	}

	partID, err := readString(r)
	if err != nil {
		return nil, err
	}

	disk := disksS3[0]
	for _, candidate := range disksS3 {
		if remote, ok := candidate.(parts.RemoteDisk); ok && remote.CheckUniqueID(partID) {
			disk = candidate
			break
		}
	}
	remote, ok := disk.(parts.RemoteDisk)
	if !ok {
		return nil, errors.Annotate(ErrLogical, "chosen disk has no object storage metadata")
	}

	tmpPrefix, err = validateTmpPrefix(tmpPrefix, partName)
	if err != nil {
		return nil, err
	}
	relativePath := tmpPrefix + partName
	if toDetached {
		relativePath = "detached/" + relativePath
	}
	if disk.Exists(relativePath) {
		return nil, errors.Annotatef(ErrDirectoryAlreadyExists, "directory %s already exists", relativePath)
	}
	if err := disk.CreateDirectories(relativePath); err != nil {
		return nil, errors.Annotate(ErrS3, err.Error())
	}
	defer func() {
		if retErr != nil {
			_ = disk.RemoveRecursive(relativePath)
		}
	}()

	files, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < files; i++ {
		fileName, err := readString(r)
		if err != nil {
			return nil, err
		}
		metadataSize, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		if metadataSize > maxWireStringLength {
			return nil, errors.Annotatef(ErrCorruptedData, "implausible metadata size %d", metadataSize)
		}
		if err := f.checkFileInsidePart(disk, relativePath, fileName); err != nil {
			return nil, err
		}
		var metadata bytes.Buffer
		hashingOut := newHashingWriter(&metadata)
		if err := copyExactWithThrottler(hashingOut, r, metadataSize, &f.blocker, f.throttler); err != nil {
			return nil, err
		}
		if f.blocker.IsCancelled() {
			return nil, errors.Annotate(ErrAborted, "fetching of part was cancelled")
		}
		expectedHash, err := readHash(r)
		if err != nil {
			return nil, err
		}
		if expectedHash != hashingOut.Hash() {
			return nil, errors.Annotatef(ErrChecksumMismatch, "metadata of file %s", fileName)
		}
		if err := remote.WriteMetadata(relativePath+"/"+fileName, metadata.Bytes()); err != nil {
			return nil, errors.Annotate(ErrS3, err.Error())
		}
	}
	if err := assertEOF(r); err != nil {
		return nil, err
	}

	newPart, err := f.data.CreatePart(partName, disk, relativePath)
	if err != nil {
		return nil, errors.Annotate(ErrS3, err.Error())
	}
	newPart.Info = partInfo
	newPart.IsTemp = true
	f.data.LockSharedData(newPart)
	f.data.AddPart(newPart, parts.PreCommitted)
	return newPart, nil
}
