package multipart

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	storagecore "github.com/googleapis/go-storage-transfer-core"
	"github.com/googleapis/go-storage-transfer-core/internal/xmlproto"
	"github.com/googleapis/go-storage-transfer-core/transport"
)

// PartResult is one completed part's manifest entry.
type PartResult struct {
	PartNumber int
	ETag       string
	Size       int64
}

// Result is the outcome of a completed multipart upload (spec.md §4.5
// "Complete").
type Result struct {
	ETag  string
	Parts []PartResult
}

// Resume captures enough state to recover a partially uploaded object
// after a process restart (spec.md §4.5 "Failure handling": "resumable
// {upload_id, parts_map} on error").
type Resume struct {
	UploadID string
	Parts    []PartResult
}

// Engine drives one multipart upload (spec.md §4.5).
type Engine struct {
	tr  *transport.Transport
	cfg Config
	log *logrus.Entry

	mu       sync.Mutex
	uploadID string
	parts    []PartResult
	aborted  bool
}

// New validates cfg and constructs an Engine. The upload must still be
// started with Initiate (or resumed from a saved Resume via
// ResumeFrom).
func New(tr *transport.Transport, cfg Config, log *logrus.Entry) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{tr: tr, cfg: cfg, log: log}, nil
}

// UploadID returns the upload ID assigned by Initiate, or "" before it
// has been called.
func (e *Engine) UploadID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.uploadID
}

func (e *Engine) objectPath() string {
	return fmt.Sprintf("/%s/%s", e.cfg.ObjectRef.Bucket, e.cfg.ObjectRef.Name)
}

// Initiate issues `POST {object}?uploads` and records the returned
// upload ID (spec.md §4.5 step 1).
func (e *Engine) Initiate(ctx context.Context) error {
	resp, err := e.tr.Do(ctx, transport.Call{
		Method:             http.MethodPost,
		Path:               e.objectPath(),
		Query:              url.Values{"uploads": {""}},
		Header:             e.baseHeaders(),
		ContentLength:      0,
		RotateInvocationID: true,
		Feature:            e.cfg.Feature,
	})
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("multipart: initiate: unexpected status %d", resp.StatusCode)
	}
	var out xmlproto.InitiateMultipartUploadResult
	if jerr := xml.NewDecoder(resp.Body).Decode(&out); jerr != nil {
		resp.Body.Close()
		return fmt.Errorf("multipart: decode initiate response: %w", jerr)
	}
	resp.Body.Close()
	if out.UploadID == "" {
		return fmt.Errorf("multipart: initiate response missing UploadId")
	}
	e.mu.Lock()
	e.uploadID = out.UploadID
	e.mu.Unlock()
	return nil
}

// ResumeFrom restores a prior upload ID and its already-acknowledged
// parts, for a caller recovering a *Resume saved earlier.
func (e *Engine) ResumeFrom(r Resume) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.uploadID = r.UploadID
	e.parts = append([]PartResult(nil), r.Parts...)
}

func (e *Engine) baseHeaders() http.Header {
	h := http.Header{}
	for k, vs := range e.cfg.CustomHeaders {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if e.cfg.ContentType != "" {
		h.Set("Content-Type", e.cfg.ContentType)
	}
	for k, v := range e.cfg.Metadata {
		h.Set("x-goog-meta-"+k, v)
	}
	return h
}

// UploadPart uploads one part's bytes and records its ETag (spec.md
// §4.5 step 2, invariant: every part except the last must be >=
// MinPartSize, enforced by the caller that slices the source).
func (e *Engine) UploadPart(ctx context.Context, partNumber int, data []byte) (PartResult, error) {
	e.mu.Lock()
	uploadID := e.uploadID
	e.mu.Unlock()
	if uploadID == "" {
		return PartResult{}, fmt.Errorf("multipart: UploadPart called before Initiate/ResumeFrom")
	}

	resp, err := e.tr.Do(ctx, transport.Call{
		Method: http.MethodPut,
		Path:   e.objectPath(),
		Query: url.Values{
			"partNumber": {strconv.Itoa(partNumber)},
			"uploadId":   {uploadID},
		},
		Body:          bytes.NewReader(data),
		ContentLength: int64(len(data)),
		Feature:       e.cfg.Feature,
	})
	if err != nil {
		if e.cfg.AutoAbortOnFailure {
			_ = e.Abort(ctx)
		}
		return PartResult{}, err
	}
	if resp.StatusCode/100 != 2 {
		if e.cfg.AutoAbortOnFailure {
			_ = e.Abort(ctx)
		}
		return PartResult{}, fmt.Errorf("multipart: upload part %d: unexpected status %d", partNumber, resp.StatusCode)
	}
	etag := resp.Header.Get("ETag")
	resp.Body.Close()

	pr := PartResult{PartNumber: partNumber, ETag: etag, Size: int64(len(data))}
	e.mu.Lock()
	e.parts = append(e.parts, pr)
	e.mu.Unlock()
	return pr, nil
}

// Source supplies one part's bytes by 1-based part number, used by
// UploadAll to drive bounded-concurrency part uploads without holding
// the whole object in memory (spec.md §4.5, §5 "Resource model").
type Source interface {
	// ReadPart returns the bytes for partNumber, or io.EOF (with no
	// bytes) once partNumber exceeds the source's last part.
	ReadPart(partNumber int) ([]byte, error)
}

// UploadAll drives Initiate (if not already done) and uploads every
// part reported by src with at most cfg.Concurrency parts in flight,
// then Completes the upload (spec.md §4.5, §8 scenario S3). Concurrency
// is bounded by a token channel and first-error cancellation is driven
// by errgroup.WithContext, the same token-dispenser-plus-errgroup shape
// backend/pikpak/multipart.go's pikpakChunkWriter.Upload uses and
// scheduler.Scheduler generalizes for TransferManager.
func (e *Engine) UploadAll(ctx context.Context, src Source) (Result, error) {
	e.mu.Lock()
	needInitiate := e.uploadID == ""
	e.mu.Unlock()
	if needInitiate {
		if err := e.Initiate(ctx); err != nil {
			return Result{}, err
		}
	}

	group, gctx := errgroup.WithContext(ctx)
	tokens := make(chan struct{}, e.cfg.concurrency())

partLoop:
	for partNumber := 1; ; partNumber++ {
		data, rerr := src.ReadPart(partNumber)
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			group.Go(func() error { return rerr })
			break
		}
		select {
		case <-gctx.Done():
			break partLoop
		case tokens <- struct{}{}:
		}
		n, buf := partNumber, data
		group.Go(func() error {
			defer func() { <-tokens }()
			_, err := e.UploadPart(gctx, n, buf)
			return err
		})
	}

	if err := group.Wait(); err != nil {
		if e.cfg.AutoAbortOnFailure {
			_ = e.Abort(context.Background())
		}
		return Result{}, err
	}
	return e.Complete(context.Background())
}

// Complete issues `POST {object}?uploadId=U` with an ascending-
// PartNumber manifest (spec.md §4.5 step 3, §8 invariant 2).
func (e *Engine) Complete(ctx context.Context) (Result, error) {
	e.mu.Lock()
	uploadID := e.uploadID
	parts := append([]PartResult(nil), e.parts...)
	e.mu.Unlock()
	if uploadID == "" {
		return Result{}, fmt.Errorf("multipart: Complete called before Initiate/ResumeFrom")
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	body := xmlproto.CompleteMultipartUpload{}
	for _, p := range parts {
		body.Parts = append(body.Parts, xmlproto.Part{PartNumber: p.PartNumber, ETag: p.ETag})
	}
	payload, err := xml.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("multipart: marshal complete body: %w", err)
	}

	resp, err := e.tr.Do(ctx, transport.Call{
		Method:        http.MethodPost,
		Path:          e.objectPath(),
		Query:         url.Values{"uploadId": {uploadID}},
		Body:          bytes.NewReader(payload),
		ContentLength: int64(len(payload)),
		Feature:       e.cfg.Feature,
	})
	if err != nil {
		if e.cfg.AutoAbortOnFailure {
			_ = e.Abort(ctx)
		}
		return Result{}, err
	}
	if resp.StatusCode/100 != 2 {
		if e.cfg.AutoAbortOnFailure {
			_ = e.Abort(ctx)
		}
		return Result{}, fmt.Errorf("multipart: complete: unexpected status %d", resp.StatusCode)
	}
	var out xmlproto.CompleteMultipartUploadResult
	if jerr := xml.NewDecoder(resp.Body).Decode(&out); jerr != nil {
		resp.Body.Close()
		return Result{}, fmt.Errorf("multipart: decode complete response: %w", jerr)
	}
	resp.Body.Close()

	return Result{ETag: out.ETag, Parts: parts}, nil
}

// Abort issues `DELETE {object}?uploadId=U`, releasing server-side
// storage for whatever parts were already uploaded (spec.md §4.5
// "Failure handling").
func (e *Engine) Abort(ctx context.Context) error {
	e.mu.Lock()
	uploadID := e.uploadID
	alreadyAborted := e.aborted
	e.aborted = true
	e.mu.Unlock()
	if uploadID == "" || alreadyAborted {
		return nil
	}

	resp, err := e.tr.Do(ctx, transport.Call{
		Method:  http.MethodDelete,
		Path:    e.objectPath(),
		Query:   url.Values{"uploadId": {uploadID}},
		Feature: e.cfg.Feature,
	})
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("multipart: abort: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// ResumeState returns a snapshot suitable for ResumeFrom after a crash
// (spec.md §4.5 "Failure handling").
func (e *Engine) ResumeState() Resume {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Resume{UploadID: e.uploadID, Parts: append([]PartResult(nil), e.parts...)}
}
