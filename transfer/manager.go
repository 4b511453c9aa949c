package transfer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	storagecore "github.com/googleapis/go-storage-transfer-core"
	"github.com/googleapis/go-storage-transfer-core/multipart"
	"github.com/googleapis/go-storage-transfer-core/resumable"
	"github.com/googleapis/go-storage-transfer-core/scheduler"
	"github.com/googleapis/go-storage-transfer-core/transport"
)

// Manager is the TransferManager of spec.md §4.7. It holds no
// per-operation state; every method is independently safe for
// concurrent use (spec.md §5 "Shared resources").
type Manager struct {
	tr  *transport.Transport
	log *logrus.Entry
}

// New constructs a Manager over an already-configured Transport.
func New(tr *transport.Transport, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{tr: tr, log: log}
}

// runBulk drives n unit tasks through a scheduler.Scheduler, honoring
// ErrorMode: ErrorModeFailFast cancels outstanding tasks on the first
// failure (propagated via scheduler.Run's own errgroup cancellation);
// ErrorModeContinue absorbs every task's error internally so all n
// tasks always run to completion.
func runBulk(ctx context.Context, opts BulkOptions, n int, run func(ctx context.Context, i int) error) []error {
	errs := make([]error, n)
	s := scheduler.New(scheduler.Config{Concurrency: opts.concurrency(), MaxQueueSize: opts.maxQueueSize()})

	tasks := make([]scheduler.Task, n)
	for i := 0; i < n; i++ {
		i := i
		tasks[i] = func(taskCtx context.Context) error {
			err := run(taskCtx, i)
			if err == nil {
				return nil
			}
			errs[i] = err
			if opts.ErrorMode == ErrorModeContinue {
				return nil
			}
			return err
		}
	}
	_ = s.Run(ctx, tasks)
	return errs
}

// UploadManyFiles walks dirOrPaths (a single directory) or uploads the
// given explicit file list, submitting one upload task per file (spec.md
// §4.7).
func (m *Manager) UploadManyFiles(ctx context.Context, dirOrPaths interface{}, bucket string, opts UploadManyOptions) ([]UploadResult, error) {
	var localPaths []string
	var root string
	switch v := dirOrPaths.(type) {
	case string:
		root = v
		if err := filepath.WalkDir(v, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			localPaths = append(localPaths, p)
			return nil
		}); err != nil {
			return nil, fmt.Errorf("transfer: walk %s: %w", v, err)
		}
	case []string:
		localPaths = v
	default:
		return nil, fmt.Errorf("transfer: UploadManyFiles: unsupported input type %T", v)
	}

	results := make([]UploadResult, len(localPaths))
	for i, p := range localPaths {
		remoteName := remoteNameFor(root, p, opts.Prefix)
		results[i] = UploadResult{LocalPath: p, Object: storagecore.ObjectRef{Bucket: bucket, Name: remoteName}}
	}

	errs := runBulk(ctx, opts.BulkOptions, len(localPaths), func(taskCtx context.Context, i int) error {
		return m.uploadOneFile(taskCtx, localPaths[i], results[i].Object, opts)
	})
	return collectResults(results, errs, opts.ErrorMode)
}

func remoteNameFor(root, localPath, prefix string) string {
	name := filepath.Base(localPath)
	if root != "" {
		if rel, err := filepath.Rel(root, localPath); err == nil {
			name = filepath.ToSlash(rel)
		}
	}
	if prefix != "" {
		name = path.Join(prefix, name)
	}
	return name
}

func (m *Manager) uploadOneFile(ctx context.Context, localPath string, obj storagecore.ObjectRef, opts UploadManyOptions) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("transfer: open %s: %w", localPath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("transfer: stat %s: %w", localPath, err)
	}

	cfg := resumable.Config{
		ObjectRef:     obj,
		ContentType:   opts.Passthrough.ContentType,
		Metadata:      opts.Passthrough.Metadata,
		ContentLength: info.Size(),
		Checksum:      opts.Passthrough.Checksum,
		Feature:       "tm.upload_many",
	}
	if opts.SkipIfExists {
		zero := int64(0)
		cfg.Preconditions.IfGenerationMatch = &zero
	}

	eng, err := resumable.New(m.tr, cfg, m.log)
	if err != nil {
		return err
	}
	if err := eng.CreateSession(ctx); err != nil {
		return err
	}
	_, err = eng.Upload(ctx, f)
	return err
}

func collectResults(results []UploadResult, errs []error, mode ErrorMode) ([]UploadResult, error) {
	var first error
	for i, e := range errs {
		if e != nil {
			results[i].Err = e
			if first == nil {
				first = e
			}
		}
	}
	if mode == ErrorModeFailFast && first != nil {
		return results, first
	}
	if mode == ErrorModeContinue {
		var all []string
		for _, e := range errs {
			if e != nil {
				all = append(all, e.Error())
			}
		}
		if len(all) > 0 {
			return results, fmt.Errorf("transfer: %d of %d uploads failed: %s", len(all), len(results), strings.Join(all, "; "))
		}
	}
	return results, nil
}

// bucketObject is the subset of the JSON object resource this package
// needs out of a bucket-listing response.
type bucketObject struct {
	Name string `json:"name"`
	Size string `json:"size"`
	CRC32C string `json:"crc32c"`
}

type listObjectsResponse struct {
	Items []bucketObject `json:"items"`
}

// listBucket lists every object under prefix (spec.md §4.7
// "DownloadManyFiles ... first list the bucket for that prefix").
func (m *Manager) listBucket(ctx context.Context, bucket, prefix string) ([]bucketObject, error) {
	var items []bucketObject
	pageToken := ""
	for {
		q := url.Values{}
		if prefix != "" {
			q.Set("prefix", prefix)
		}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		resp, err := m.tr.Do(ctx, transport.Call{
			Method: http.MethodGet,
			Path:   fmt.Sprintf("/b/%s/o", bucket),
			Query:  q,
		})
		if err != nil {
			return nil, err
		}
		var page listObjectsResponse
		var tokenWrap struct {
			NextPageToken string `json:"nextPageToken"`
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("transfer: decode bucket listing: %w", err)
		}
		_ = json.Unmarshal(body, &tokenWrap)
		items = append(items, page.Items...)
		if tokenWrap.NextPageToken == "" {
			break
		}
		pageToken = tokenWrap.NextPageToken
	}
	return items, nil
}

// DownloadManyFiles resolves files (either an explicit []storagecore.ObjectRef
// or a string prefix to list) and downloads each to LocalPrefix/stripPrefix-removed(name)
// (spec.md §4.7).
func (m *Manager) DownloadManyFiles(ctx context.Context, files interface{}, bucket string, opts DownloadManyOptions) ([]DownloadResult, error) {
	var refs []storagecore.ObjectRef
	switch v := files.(type) {
	case string:
		objs, err := m.listBucket(ctx, bucket, v)
		if err != nil {
			return nil, err
		}
		for _, o := range objs {
			refs = append(refs, storagecore.ObjectRef{Bucket: bucket, Name: o.Name})
		}
	case []storagecore.ObjectRef:
		refs = v
	default:
		return nil, fmt.Errorf("transfer: DownloadManyFiles: unsupported input type %T", v)
	}

	results := make([]DownloadResult, len(refs))
	for i, ref := range refs {
		name := strings.TrimPrefix(ref.Name, opts.StripPrefix)
		results[i] = DownloadResult{Object: ref, LocalPath: filepath.Join(opts.LocalPrefix, filepath.FromSlash(name))}
	}

	errs := runBulk(ctx, opts.BulkOptions, len(refs), func(taskCtx context.Context, i int) error {
		return m.downloadOneFile(taskCtx, results[i].Object, results[i].LocalPath)
	})

	var first error
	for i, e := range errs {
		if e != nil {
			results[i].Err = e
			if first == nil {
				first = e
			}
		}
	}
	if opts.ErrorMode == ErrorModeFailFast && first != nil {
		return results, first
	}
	return results, nil
}

func (m *Manager) downloadOneFile(ctx context.Context, obj storagecore.ObjectRef, localPath string) error {
	if dir := filepath.Dir(localPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("transfer: mkdir %s: %w", dir, err)
		}
	}
	resp, err := m.tr.Do(ctx, transport.Call{
		Method:  http.MethodGet,
		Path:    fmt.Sprintf("/b/%s/o/%s", obj.Bucket, url.PathEscape(obj.Name)),
		Query:   url.Values{"alt": {"media"}},
		Stream:  true,
		Feature: "tm.download_many",
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("transfer: create %s: %w", localPath, err)
	}
	defer out.Close()
	_, err = io.Copy(out, resp.Body)
	return err
}

// objectMetadata is what DownloadFileInChunks needs to know about the
// remote object before it can shard the download.
type objectMetadata struct {
	Size   int64
	CRC32C string
}

func (m *Manager) statObject(ctx context.Context, obj storagecore.ObjectRef) (objectMetadata, error) {
	resp, err := m.tr.Do(ctx, transport.Call{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/b/%s/o/%s", obj.Bucket, url.PathEscape(obj.Name)),
	})
	if err != nil {
		return objectMetadata{}, err
	}
	var out bucketObject
	if jerr := resp.JSON(&out); jerr != nil {
		return objectMetadata{}, fmt.Errorf("transfer: decode object metadata: %w", jerr)
	}
	size, err := strconv.ParseInt(out.Size, 10, 64)
	if err != nil {
		return objectMetadata{}, fmt.Errorf("transfer: parse object size %q: %w", out.Size, err)
	}
	return objectMetadata{Size: size, CRC32C: out.CRC32C}, nil
}

// DownloadFileInChunks downloads obj to localPath, sharding the request
// into concurrent ranged GETs once the object size reaches
// ShardedDownloadThreshold (spec.md §4.7).
func (m *Manager) DownloadFileInChunks(ctx context.Context, obj storagecore.ObjectRef, localPath string, opts DownloadChunksOptions) error {
	meta, err := m.statObject(ctx, obj)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(localPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("transfer: mkdir %s: %w", dir, err)
		}
	}

	if meta.Size < ShardedDownloadThreshold {
		if err := m.downloadOneFile(ctx, obj, localPath); err != nil {
			return err
		}
		return m.maybeValidateCRC32C(localPath, meta, opts.Validation)
	}

	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("transfer: create %s: %w", localPath, err)
	}
	defer out.Close()
	if err := out.Truncate(meta.Size); err != nil {
		return fmt.Errorf("transfer: truncate %s: %w", localPath, err)
	}

	chunkSize := opts.chunkSize()
	n := int((meta.Size + chunkSize - 1) / chunkSize)
	var mu sync.Mutex

	bulkOpts := BulkOptions{ConcurrencyLimit: opts.concurrency()}
	errs := runBulk(ctx, bulkOpts, n, func(taskCtx context.Context, i int) error {
		start := int64(i) * chunkSize
		end := start + chunkSize - 1
		if end >= meta.Size {
			end = meta.Size - 1
		}
		resp, err := m.tr.Do(taskCtx, transport.Call{
			Method: http.MethodGet,
			Path:   fmt.Sprintf("/b/%s/o/%s", obj.Bucket, url.PathEscape(obj.Name)),
			Query:  url.Values{"alt": {"media"}},
			Header: http.Header{"Range": {fmt.Sprintf("bytes=%d-%d", start, end)}},
			Stream: true, Feature: "tm.download_sharded",
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		buf, rerr := io.ReadAll(resp.Body)
		if rerr != nil {
			return rerr
		}
		mu.Lock()
		_, werr := out.WriteAt(buf, start)
		mu.Unlock()
		return werr
	})
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	if err := out.Sync(); err != nil {
		return err
	}
	return m.maybeValidateCRC32C(localPath, meta, opts.Validation)
}

func (m *Manager) maybeValidateCRC32C(localPath string, meta objectMetadata, validation string) error {
	if validation != "crc32c" || meta.CRC32C == "" {
		return nil
	}
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	h := crc32.New(crc32.MakeTable(crc32.Castagnoli))
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	sum := h.Sum32()
	var b [4]byte
	b[0], b[1], b[2], b[3] = byte(sum>>24), byte(sum>>16), byte(sum>>8), byte(sum)
	got := base64.StdEncoding.EncodeToString(b[:])
	if got != meta.CRC32C {
		return &storagecore.ChecksumMismatchError{
			Code: storagecore.CodeDownloadMismatch, Kind: "crc32c",
			Local: got, Remote: meta.CRC32C,
		}
	}
	return nil
}

// fileSource implements multipart.Source over an *os.File, starting at
// a byte offset and numbering parts from a given starting number, for
// UploadFileInChunks's resume support (spec.md §4.7).
type fileSource struct {
	f            *os.File
	chunkSize    int64
	size         int64
	startOffset  int64
	startPartNum int
}

func (s *fileSource) ReadPart(partNumber int) ([]byte, error) {
	idx := partNumber - s.startPartNum
	if idx < 0 {
		return nil, fmt.Errorf("transfer: part %d precedes resume start %d", partNumber, s.startPartNum)
	}
	start := s.startOffset + int64(idx)*s.chunkSize
	if start >= s.size {
		return nil, io.EOF
	}
	end := start + s.chunkSize
	if end > s.size {
		end = s.size
	}
	buf := make([]byte, end-start)
	if _, err := s.f.ReadAt(buf, start); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

// UploadFileInChunks uploads path as obj via MultipartXmlUploadEngine,
// splitting into chunkSize parts (spec.md §4.7).
func (m *Manager) UploadFileInChunks(ctx context.Context, path string, obj storagecore.ObjectRef, opts UploadChunksOptions) (multipart.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return multipart.Result{}, fmt.Errorf("transfer: open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return multipart.Result{}, fmt.Errorf("transfer: stat %s: %w", path, err)
	}

	eng, err := multipart.New(m.tr, multipart.Config{
		ObjectRef:          obj,
		ContentType:        opts.ContentType,
		Metadata:           opts.Metadata,
		PartSize:           opts.chunkSize(),
		Concurrency:        opts.concurrency(),
		AutoAbortOnFailure: true,
		Feature:            "tm.upload_sharded",
	}, m.log)
	if err != nil {
		return multipart.Result{}, err
	}

	src := &fileSource{f: f, chunkSize: opts.chunkSize(), size: info.Size(), startPartNum: 1}
	if opts.Resume != nil {
		parts := make([]multipart.PartResult, len(opts.Resume.Parts))
		for i, p := range opts.Resume.Parts {
			parts[i] = multipart.PartResult{PartNumber: p.PartNumber, ETag: p.ETag, Size: p.Size}
		}
		sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
		eng.ResumeFrom(multipart.Resume{UploadID: opts.Resume.UploadID, Parts: parts})
		src.startOffset = int64(len(parts)) * opts.chunkSize()
		highest := 0
		for _, p := range parts {
			if p.PartNumber > highest {
				highest = p.PartNumber
			}
		}
		src.startPartNum = highest + 1
	}

	return m.uploadFileInChunksBounded(ctx, eng, src, opts)
}

// uploadFileInChunksBounded drives UploadPart through a scheduler with
// MaxQueueSize enforcement, rather than multipart.Engine.UploadAll's own
// looser concurrency loop, so the max_queue_size x chunk_size memory
// bound spec.md §4.7 describes holds exactly.
func (m *Manager) uploadFileInChunksBounded(ctx context.Context, eng *multipart.Engine, src *fileSource, opts UploadChunksOptions) (multipart.Result, error) {
	if eng.UploadID() == "" {
		if err := eng.Initiate(ctx); err != nil {
			return multipart.Result{}, err
		}
	}

	var tasks []scheduler.Task
	for partNumber := src.startPartNum; ; partNumber++ {
		start := src.startOffset + int64(partNumber-src.startPartNum)*src.chunkSize
		if start >= src.size {
			break
		}
		partNumber := partNumber
		tasks = append(tasks, func(taskCtx context.Context) error {
			data, err := src.ReadPart(partNumber)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			_, err = eng.UploadPart(taskCtx, partNumber, data)
			return err
		})
	}

	s := scheduler.New(scheduler.Config{Concurrency: opts.concurrency(), MaxQueueSize: opts.maxQueueSize()})
	if err := s.Run(ctx, tasks); err != nil {
		return multipart.Result{}, err
	}
	return eng.Complete(context.Background())
}
