// Package resumable implements the ResumableUploadEngine state machine
// of spec.md §4.4 — the hardest subsystem in the spec.
//
// Grounded on meet2mky-google-api-go-client/internal/gensupport/
// resumable.go (the chunk-transfer loop, per-chunk invocation-ID
// rotation, 308 handling) and backend/googlecloudstorage/
// googlecloudstorage.go's Object.Update for how a teacher GCS backend
// wires precondition/encryption/metadata headers into an upload.
package resumable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	storagecore "github.com/googleapis/go-storage-transfer-core"
	"github.com/googleapis/go-storage-transfer-core/checksum"
	"github.com/googleapis/go-storage-transfer-core/retry"
	"github.com/googleapis/go-storage-transfer-core/transport"
)

// Result is the object metadata the engine emits once COMPLETED.
type Result struct {
	Size    int64
	CRC32C  string
	MD5Hash string
	Raw     map[string]interface{}
}

// Engine drives one resumable upload session end to end. It is not
// safe for concurrent use by multiple goroutines (spec.md §5: "an
// upload session's local-write-cache is exclusively owned by its
// engine instance; no cross-task mutation").
type Engine struct {
	t      *transport.Transport
	cfg    Config
	log    *logrus.Entry

	mu              sync.Mutex
	state           State
	sessionURI      string
	committedOffset int64 // -1 == unknown, must probe
	sink            *checksum.Sink

	// cache holds bytes already pulled from the upstream reader that the
	// server has not yet confirmed (spec.md §3 "local write cache").
	cache []byte
}

// New constructs an Engine. If cfg.URI is set the engine starts in
// URI_ACQUIRED (a resume), otherwise NEW.
func New(t *transport.Transport, cfg Config, log *logrus.Entry) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	e := &Engine{
		t:     t,
		cfg:   cfg,
		log:   log,
		sink:  checksum.New(cfg.Checksum),
		cache: make([]byte, 0),
	}
	if cfg.URI != "" {
		e.sessionURI = cfg.URI
		e.state = StateURIAcquired
		e.committedOffset = cfg.Offset // may be -1 == unknown
	} else {
		e.state = StateNew
		e.committedOffset = 0
	}
	return e, nil
}

// State returns the engine's current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// CommittedOffset returns the highest byte index the server has
// confirmed, plus one (spec.md glossary "Committed offset").
func (e *Engine) CommittedOffset() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.committedOffset
}

// SessionURI returns the server-issued session URI, once acquired.
func (e *Engine) SessionURI() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionURI
}

// CreateSession issues the CreateSession POST (§4.4 "Create session")
// and transitions NEW -> URI_ACQUIRED.
func (e *Engine) CreateSession(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateNew {
		e.mu.Unlock()
		return fmt.Errorf("resumable: CreateSession called in state %s", e.state)
	}
	e.mu.Unlock()

	body := map[string]interface{}{}
	for k, v := range e.cfg.Metadata {
		body[k] = v
	}
	body["name"] = e.cfg.ObjectRef.Name
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("resumable: marshal create-session body: %w", err)
	}

	q := url.Values{}
	q.Set("uploadType", "resumable")
	q.Set("name", e.cfg.ObjectRef.Name)
	hasPrecondition := e.cfg.Preconditions.IfGenerationMatch != nil
	if e.cfg.Preconditions.IfGenerationMatch != nil {
		q.Set("ifGenerationMatch", strconv.FormatInt(*e.cfg.Preconditions.IfGenerationMatch, 10))
	}
	if e.cfg.KMSKeyName != "" {
		q.Set("kmsKeyName", e.cfg.KMSKeyName)
	}
	if e.cfg.PredefinedACL != "" {
		q.Set("predefinedAcl", e.cfg.PredefinedACL)
	}

	header := e.baseHeaders()
	if e.cfg.ContentType != "" {
		header.Set("X-Upload-Content-Type", e.cfg.ContentType)
	}
	if e.cfg.ContentLength >= 0 {
		header.Set("X-Upload-Content-Length", strconv.FormatInt(e.cfg.ContentLength, 10))
	}
	if e.cfg.Origin != "" {
		header.Set("Origin", e.cfg.Origin)
	}
	header.Set("Content-Type", "application/json; charset=UTF-8")

	resp, err := e.t.Do(ctx, transport.Call{
		Method:          http.MethodPost,
		Path:            fmt.Sprintf("/upload/storage/v1/b/%s/o", e.cfg.ObjectRef.Bucket),
		Query:           q,
		Header:          header,
		Body:            bytes.NewReader(payload),
		ContentLength:   int64(len(payload)),
		HasPrecondition: hasPrecondition,
		RotateInvocationID: true,
		Feature:         e.cfg.Feature,
	})
	if err != nil {
		e.fail()
		return fmt.Errorf("resumable: create session: %w", err)
	}
	if resp.StatusCode == 412 {
		e.fail()
		return &storagecore.PreconditionError{ObjectRef: e.cfg.ObjectRef, Cause: fmt.Errorf("status 412")}
	}
	location := resp.Header.Get("Location")
	if location == "" {
		e.fail()
		return fmt.Errorf("resumable: create session: no Location header in response")
	}

	e.mu.Lock()
	e.sessionURI = location
	e.state = StateURIAcquired
	e.committedOffset = 0
	e.mu.Unlock()
	return nil
}

func (e *Engine) baseHeaders() http.Header {
	h := http.Header{}
	for k, vs := range e.cfg.CustomHeaders {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if enc := e.cfg.Encryption; enc != nil {
		h.Set("x-goog-encryption-algorithm", "AES256")
		h.Set("x-goog-encryption-key", enc.KeyBase64)
		h.Set("x-goog-encryption-key-sha256", enc.KeySHA256Base64)
	}
	return h
}

// Upload drives the upload to completion from the upstream reader,
// dispatching to the single-request or chunked path per §4.4.
func (e *Engine) Upload(ctx context.Context, upstream io.Reader) (*Result, error) {
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()
	if state != StateURIAcquired && state != StateAwaitingResume {
		return nil, fmt.Errorf("resumable: Upload called in state %s", state)
	}

	if seeker, ok := upstream.(io.Seeker); ok && e.cfg.Offset >= 0 {
		if err := e.reconcileStreamPosition(seeker); err != nil {
			e.fail()
			return nil, err
		}
	}

	if e.cfg.ChunkSize == 0 {
		return e.uploadSingleShot(ctx, upstream)
	}
	return e.uploadChunked(ctx, upstream)
}

// reconcileStreamPosition implements §4.4 "Resume semantics": when the
// upstream exposes its position, fast-forward by discarding bytes if it
// is behind the server's committed offset, or fail fatally if it is
// ahead (bytes already discarded from the cache cannot be replayed).
func (e *Engine) reconcileStreamPosition(seeker io.Seeker) error {
	pos, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("resumable: determine stream position: %w", err)
	}
	target := e.cfg.Offset
	if pos == target {
		return nil
	}
	if pos < target {
		if _, err := seeker.Seek(target, io.SeekStart); err != nil {
			return fmt.Errorf("resumable: fast-forward stream to offset %d: %w", target, err)
		}
		return nil
	}
	return &storagecore.ResumeDataLossError{CommittedOffset: target, LocalOffset: pos}
}

// uploadSingleShot implements §4.4 "Single-request path".
func (e *Engine) uploadSingleShot(ctx context.Context, upstream io.Reader) (*Result, error) {
	e.setState(StateUploading)

	data, err := io.ReadAll(upstream)
	if err != nil {
		e.fail()
		return nil, fmt.Errorf("resumable: read upstream for single-shot upload: %w", err)
	}
	e.sink.Update(data)

	total := e.cfg.ContentLength
	if total < 0 {
		total = int64(len(data))
	}
	contentRange := fmt.Sprintf("bytes 0-*/%d", total)
	if len(data) == 0 {
		contentRange = "bytes */0"
	}

	header := e.baseHeaders()
	header.Set("Content-Range", contentRange)
	e.maybeAttachChecksumHeader(header, true)

	resp, err := e.t.Do(ctx, transport.Call{
		Method:             http.MethodPut,
		Path:               e.sessionURI,
		Header:             header,
		Body:               bytes.NewReader(data),
		ContentLength:      int64(len(data)),
		RotateInvocationID: true,
		Feature:            e.cfg.Feature,
	})
	if err != nil {
		e.fail()
		return nil, fmt.Errorf("resumable: single-shot upload: %w", err)
	}
	if resp.StatusCode == 412 {
		e.fail()
		return nil, &storagecore.PreconditionError{ObjectRef: e.cfg.ObjectRef, Cause: fmt.Errorf("status 412")}
	}

	var raw map[string]interface{}
	if err := resp.JSON(&raw); err != nil {
		e.fail()
		return nil, fmt.Errorf("resumable: decode single-shot response: %w", err)
	}
	result, err := e.finishAndValidate(raw)
	if err != nil {
		e.fail()
		return nil, err
	}
	e.mu.Lock()
	e.committedOffset = total
	e.state = StateCompleted
	e.mu.Unlock()
	return result, nil
}

// uploadChunked implements §4.4 "Chunked path". A retriable failure on
// the chunked PUT is never replayed blindly at the same range: the
// engine restores the chunk to its cache, forgets the committed offset,
// backs off per the retry policy and reprobes before resuming, since a
// dropped connection after the server durably received the bytes would
// otherwise duplicate data or desync from the server's true offset
// (spec.md §4.4 invariant, highest-weighted per spec.md §2).
func (e *Engine) uploadChunked(ctx context.Context, upstream io.Reader) (*Result, error) {
	e.setState(StateUploading)

	var chunkRetry int
	var retryStart time.Time
	// cacheBase is the object offset of e.cache[0] while a retriable
	// failure awaits its reprobe, or -1 when none is pending.
	cacheBase := int64(-1)
	// hashedTo is the object offset up to which bytes have been fed to
	// the checksum sink, so re-sent bytes are hashed only once.
	hashedTo := int64(-1)

	for {
		e.mu.Lock()
		needProbe := e.committedOffset < 0
		e.mu.Unlock()

		if needProbe {
			done, err := e.statusProbe(ctx)
			if err != nil {
				e.fail()
				return nil, err
			}
			if done {
				e.setState(StateCompleted)
				return &Result{}, nil
			}
			e.setState(StateUploading)
			if cacheBase >= 0 {
				e.mu.Lock()
				probed := e.committedOffset
				skip := probed - cacheBase
				if skip < 0 || skip > int64(len(e.cache)) {
					e.mu.Unlock()
					e.fail()
					return nil, &storagecore.ResumeDataLossError{CommittedOffset: probed, LocalOffset: cacheBase}
				}
				e.cache = e.cache[skip:]
				e.mu.Unlock()
				cacheBase = -1
			}
		}

		e.mu.Lock()
		committed := e.committedOffset
		e.mu.Unlock()

		remaining := e.cfg.ChunkSize
		if e.cfg.ContentLength >= 0 {
			if r := e.cfg.ContentLength - committed; r < remaining {
				remaining = r
			}
		}

		buf, isLastChunk, err := e.readChunk(upstream, remaining)
		if err != nil {
			e.fail()
			return nil, fmt.Errorf("resumable: read chunk from upstream: %w", err)
		}

		totalForHeader := "*"
		if e.cfg.ContentLength >= 0 {
			totalForHeader = strconv.FormatInt(e.cfg.ContentLength, 10)
		} else if isLastChunk && !e.cfg.IsPartialUpload {
			totalForHeader = strconv.FormatInt(committed+int64(len(buf)), 10)
		}

		if hashedTo < 0 {
			hashedTo = committed
		}
		if end := committed + int64(len(buf)); end > hashedTo {
			from := hashedTo - committed
			if from < 0 {
				from = 0
			}
			e.sink.Update(buf[from:])
			hashedTo = end
		}

		header := e.baseHeaders()
		if len(buf) == 0 {
			header.Set("Content-Range", fmt.Sprintf("bytes */%s", totalForHeader))
		} else {
			header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%s", committed, committed+int64(len(buf))-1, totalForHeader))
		}
		finalPUT := isLastChunk && !e.cfg.IsPartialUpload
		e.maybeAttachChecksumHeader(header, finalPUT)

		resp, attemptErr := e.t.DoOnce(ctx, transport.Call{
			Method:             http.MethodPut,
			Path:               e.sessionURI,
			Header:             header,
			Body:               bytes.NewReader(buf),
			ContentLength:      int64(len(buf)),
			ExpectedSuccess:    []int{308},
			RotateInvocationID: true,
			Feature:            e.cfg.Feature,
		}, chunkRetry)

		statusCode := 0
		if resp != nil {
			statusCode = resp.StatusCode
		}
		if attemptErr != nil || !transport.IsSuccessStatus(statusCode, []int{308}) {
			decision := e.t.Policy().Classify(retry.Attempt{
				Method:          http.MethodPut,
				StatusCode:      statusCode,
				Err:             attemptErr,
				HasPrecondition: e.cfg.Preconditions.HasAny(),
			})
			if decision == retry.Fail {
				e.fail()
				if attemptErr != nil {
					return nil, fmt.Errorf("resumable: upload chunk at offset %d: %w", committed, attemptErr)
				}
				return nil, fmt.Errorf("resumable: upload chunk at offset %d: status %d", committed, statusCode)
			}

			// Retriable: the server may or may not have durably received
			// buf before the failure, so don't resend it at the same
			// range — put it back in front of the cache, forget the
			// committed offset and let the top of the loop reprobe
			// before the next attempt.
			if chunkRetry == 0 {
				retryStart = time.Now()
			}
			backoff := e.t.Policy().Backoff(chunkRetry, time.Since(retryStart))
			cause := attemptErr
			if cause == nil {
				cause = fmt.Errorf("status %d", statusCode)
			}
			if backoff.Expired {
				e.fail()
				return nil, &storagecore.RetryExhaustedError{Attempts: chunkRetry + 1, Elapsed: time.Since(retryStart).String(), Cause: cause}
			}

			e.mu.Lock()
			e.cache = append(append([]byte{}, buf...), e.cache...)
			e.committedOffset = -1
			e.state = StateAwaitingResume
			e.mu.Unlock()
			cacheBase = committed

			e.log.WithFields(logrus.Fields{
				"offset": committed, "attempt": chunkRetry, "sleep": backoff.Delay,
			}).Debug("resumable: chunk PUT failed retriably, reprobing after backoff")

			select {
			case <-ctx.Done():
				e.fail()
				return nil, ctx.Err()
			case <-time.After(backoff.Delay):
			}
			chunkRetry++
			continue
		}

		chunkRetry = 0
		retryStart = time.Time{}

		if resp.StatusCode == 308 {
			newCommitted, perr := parseRangeHeader(resp.Header.Get("Range"))
			if perr != nil {
				e.fail()
				return nil, fmt.Errorf("resumable: parse 308 Range header: %w", perr)
			}
			if newCommitted > committed+int64(len(buf)) {
				e.fail()
				return nil, &storagecore.ResumeDataLossError{CommittedOffset: newCommitted, LocalOffset: committed + int64(len(buf))}
			}
			unacked := (committed + int64(len(buf))) - newCommitted
			e.mu.Lock()
			if unacked > 0 {
				tail := buf[len(buf)-int(unacked):]
				e.cache = append(append([]byte{}, tail...), e.cache...)
			}
			e.committedOffset = newCommitted
			e.state = StateAwaitingResume
			e.mu.Unlock()
			e.setState(StateUploading)
			continue
		}

		if resp.StatusCode == 412 {
			e.fail()
			return nil, &storagecore.PreconditionError{ObjectRef: e.cfg.ObjectRef, Cause: fmt.Errorf("status 412")}
		}

		// 2xx: terminal.
		var raw map[string]interface{}
		if err := resp.JSON(&raw); err != nil {
			e.fail()
			return nil, fmt.Errorf("resumable: decode final chunk response: %w", err)
		}
		result, verr := e.finishAndValidate(raw)
		if verr != nil {
			e.fail()
			return nil, verr
		}
		e.mu.Lock()
		e.committedOffset = committed + int64(len(buf))
		e.state = StateCompleted
		e.mu.Unlock()
		return result, nil
	}
}

// statusProbe implements §4.4 chunked-path step 1: a zero-length PUT
// used to discover committed_offset when resuming without a known
// offset.
func (e *Engine) statusProbe(ctx context.Context) (done bool, err error) {
	header := e.baseHeaders()
	header.Set("Content-Range", "bytes */*")
	resp, err := e.t.Do(ctx, transport.Call{
		Method:             http.MethodPut,
		Path:               e.sessionURI,
		Header:             header,
		ContentLength:      0,
		ExpectedSuccess:    []int{308},
		RotateInvocationID: true,
		Feature:            e.cfg.Feature,
	})
	if err != nil {
		return false, fmt.Errorf("resumable: status probe: %w", err)
	}
	if resp.StatusCode == 308 {
		rng := resp.Header.Get("Range")
		if rng == "" {
			e.mu.Lock()
			e.committedOffset = 0
			e.mu.Unlock()
			return false, nil
		}
		n, perr := parseRangeHeader(rng)
		if perr != nil {
			return false, fmt.Errorf("resumable: parse probe Range header: %w", perr)
		}
		e.mu.Lock()
		e.committedOffset = n
		e.mu.Unlock()
		return false, nil
	}
	// 2xx: already complete.
	return true, nil
}

// readChunk pulls up to want bytes, first draining the local cache of
// unacknowledged bytes, then reading fresh bytes from upstream. It
// reports isLastChunk true when upstream is exhausted after this read.
func (e *Engine) readChunk(upstream io.Reader, want int64) (buf []byte, isLastChunk bool, err error) {
	e.mu.Lock()
	cached := e.cache
	e.cache = nil
	e.mu.Unlock()

	buf = make([]byte, 0, want)
	if int64(len(cached)) >= want {
		buf = append(buf, cached[:want]...)
		e.mu.Lock()
		e.cache = append(e.cache, cached[want:]...)
		e.mu.Unlock()
		return buf, false, nil
	}
	buf = append(buf, cached...)
	remaining := want - int64(len(cached))
	fresh := make([]byte, remaining)
	n, rerr := io.ReadFull(upstream, fresh)
	buf = append(buf, fresh[:n]...)
	if rerr == io.ErrUnexpectedEOF || rerr == io.EOF {
		return buf, true, nil
	}
	if rerr != nil {
		return nil, false, rerr
	}
	// Got exactly `want` fresh bytes: peek one more byte to find out
	// whether upstream is exhausted, per spec.md §4.4 step 3
	// ("Determine isLastChunk: true iff the upstream source is
	// exhausted after this chunk").
	var peek [1]byte
	pn, perr := io.ReadFull(upstream, peek[:])
	if pn == 1 {
		e.mu.Lock()
		e.cache = append(e.cache, peek[:1]...)
		e.mu.Unlock()
		return buf, false, nil
	}
	if perr == io.ErrUnexpectedEOF || perr == io.EOF {
		return buf, true, nil
	}
	return nil, false, perr
}

// maybeAttachChecksumHeader attaches X-Goog-Hash only on the request
// expected to finalize the object (§4.4 invariants), and never on a
// partial-upload's chunk even if it looks terminal (§9 Open Question
// resolution, SPEC_FULL.md).
func (e *Engine) maybeAttachChecksumHeader(header http.Header, isFinal bool) {
	if !isFinal || e.cfg.IsPartialUpload {
		return
	}
	if !e.cfg.Checksum.CRC32CEnabled && !e.cfg.Checksum.MD5Enabled {
		return
	}
	e.sink.Finalize()
	var parts []string
	if e.cfg.Checksum.CRC32CEnabled {
		parts = append(parts, "crc32c="+e.sink.CRC32CBase64())
	}
	if e.cfg.Checksum.MD5Enabled {
		parts = append(parts, "md5="+e.sink.MD5Base64())
	}
	if len(parts) > 0 {
		header.Set("X-Goog-Hash", strings.Join(parts, ","))
	}
}

// finishAndValidate compares client-computed hashes against the
// server-declared ones in the final JSON response (§4.4, §8 invariant 6).
func (e *Engine) finishAndValidate(raw map[string]interface{}) (*Result, error) {
	e.sink.Finalize()
	result := &Result{Raw: raw}
	if sizeStr, ok := raw["size"].(string); ok {
		if n, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
			result.Size = n
		}
	}
	if crc, ok := raw["crc32c"].(string); ok {
		result.CRC32C = crc
		if e.cfg.Checksum.CRC32CEnabled && !e.sink.Validate(checksum.KindCRC32C, crc) {
			return nil, &storagecore.ChecksumMismatchError{
				Code: storagecore.CodeUploadMismatch, Kind: "crc32c",
				Local: e.sink.CRC32CBase64(), Remote: crc,
			}
		}
	}
	if md5h, ok := raw["md5Hash"].(string); ok {
		result.MD5Hash = md5h
		if e.cfg.Checksum.MD5Enabled && !e.sink.Validate(checksum.KindMD5, md5h) {
			return nil, &storagecore.ChecksumMismatchError{
				Code: storagecore.CodeUploadMismatch, Kind: "md5",
				Local: e.sink.MD5Base64(), Remote: md5h,
			}
		}
	}
	return result, nil
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) fail() {
	e.mu.Lock()
	e.state = StateFailed
	e.mu.Unlock()
}

// parseRangeHeader parses a "bytes=0-N" response Range header into
// committed_offset == N+1 (spec.md glossary).
func parseRangeHeader(rng string) (int64, error) {
	if rng == "" {
		return 0, nil
	}
	rng = strings.TrimPrefix(rng, "bytes=")
	parts := strings.SplitN(rng, "-", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("malformed Range header %q", rng)
	}
	end, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed Range header %q: %w", rng, err)
	}
	return end + 1, nil
}
