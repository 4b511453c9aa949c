package multipart

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storagecore "github.com/googleapis/go-storage-transfer-core"
	"github.com/googleapis/go-storage-transfer-core/internal/xmlproto"
	"github.com/googleapis/go-storage-transfer-core/retry"
	"github.com/googleapis/go-storage-transfer-core/transport"
)

func fastRetryTransport(baseURL string) *transport.Transport {
	cfg := retry.DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	return transport.New(transport.Options{BaseURL: baseURL, Retry: retry.New(cfg)})
}

// memSource slices an in-memory buffer into fixed-size parts,
// implementing Source for the test.
type memSource struct {
	data     []byte
	partSize int64
}

func (m *memSource) ReadPart(partNumber int) ([]byte, error) {
	start := int64(partNumber-1) * m.partSize
	if start >= int64(len(m.data)) {
		return nil, io.EOF
	}
	end := start + m.partSize
	if end > int64(len(m.data)) {
		end = int64(len(m.data))
	}
	return m.data[start:end], nil
}

// TestScenarioS3_MultipartUploadConcurrency mirrors spec.md §8 scenario
// S3: an 80 MiB upload at 32 MiB parts (3 parts: 32, 32, 16 MiB) with
// concurrency 2, and checks the Complete body lists parts in ascending
// PartNumber order regardless of completion order.
func TestScenarioS3_MultipartUploadConcurrency(t *testing.T) {
	const partSize = 32 * 1024 * 1024
	const total = 80 * 1024 * 1024
	data := bytes.Repeat([]byte{0x7a}, total)

	var initiated int32
	var inFlight int32
	var maxInFlight int32
	var mu sync.Mutex
	seenParts := map[int]int{}

	mux := http.NewServeMux()
	mux.HandleFunc("/bucket/obj", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case r.Method == http.MethodPost && q.Has("uploads"):
			atomic.AddInt32(&initiated, 1)
			w.Header().Set("Content-Type", "application/xml")
			xml.NewEncoder(w).Encode(xmlproto.InitiateMultipartUploadResult{
				Bucket: "bucket", Key: "obj", UploadID: "upload-1",
			})
		case r.Method == http.MethodPut && q.Get("uploadId") == "upload-1":
			cur := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&maxInFlight)
				if cur <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, cur) {
					break
				}
			}
			body, _ := io.ReadAll(r.Body)
			pn := q.Get("partNumber")
			mu.Lock()
			seenParts[len(body)]++
			mu.Unlock()
			w.Header().Set("ETag", "etag-"+pn)
			atomic.AddInt32(&inFlight, -1)
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && q.Get("uploadId") == "upload-1":
			body, _ := io.ReadAll(r.Body)
			var complete xmlproto.CompleteMultipartUpload
			require.NoError(t, xml.Unmarshal(body, &complete))
			require.Len(t, complete.Parts, 3)
			for i, p := range complete.Parts {
				assert.Equal(t, i+1, p.PartNumber)
			}
			xml.NewEncoder(w).Encode(xmlproto.CompleteMultipartUploadResult{ETag: "final-etag"})
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.String())
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := transport.New(transport.Options{BaseURL: srv.URL})
	eng, err := New(tr, Config{
		ObjectRef:   storagecore.ObjectRef{Bucket: "bucket", Name: "obj"},
		PartSize:    partSize,
		Concurrency: 2,
	}, nil)
	require.NoError(t, err)

	result, err := eng.UploadAll(context.Background(), &memSource{data: data, partSize: partSize})
	require.NoError(t, err)
	assert.Equal(t, "final-etag", result.ETag)
	require.Len(t, result.Parts, 3)
	assert.Equal(t, 1, result.Parts[0].PartNumber)
	assert.Equal(t, 2, result.Parts[1].PartNumber)
	assert.Equal(t, 3, result.Parts[2].PartNumber)

	assert.Equal(t, int32(1), atomic.LoadInt32(&initiated))
	assert.LessOrEqual(t, atomic.LoadInt32(&maxInFlight), int32(2))
	assert.Equal(t, 2, seenParts[partSize])
	assert.Equal(t, 1, seenParts[total-2*partSize])
}

func TestAbort_IsIdempotentAndOnlyCallsOnce(t *testing.T) {
	var deletes int32
	mux := http.NewServeMux()
	mux.HandleFunc("/bucket/obj", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			atomic.AddInt32(&deletes, 1)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		t.Fatalf("unexpected method %s", r.Method)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := transport.New(transport.Options{BaseURL: srv.URL})
	eng, err := New(tr, Config{ObjectRef: storagecore.ObjectRef{Bucket: "bucket", Name: "obj"}}, nil)
	require.NoError(t, err)
	eng.ResumeFrom(Resume{UploadID: "upload-1"})

	require.NoError(t, eng.Abort(context.Background()))
	require.NoError(t, eng.Abort(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&deletes))
}

func TestUploadPart_FailureTriggersAutoAbort(t *testing.T) {
	var initiated, aborted, uploadAttempts int32
	mux := http.NewServeMux()
	mux.HandleFunc("/bucket/obj", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case r.Method == http.MethodPost && q.Has("uploads"):
			atomic.AddInt32(&initiated, 1)
			xml.NewEncoder(w).Encode(xmlproto.InitiateMultipartUploadResult{UploadID: "upload-2"})
		case r.Method == http.MethodPut:
			atomic.AddInt32(&uploadAttempts, 1)
			w.WriteHeader(http.StatusInternalServerError)
		case r.Method == http.MethodDelete:
			atomic.AddInt32(&aborted, 1)
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Fatalf("unexpected request: %s", r.URL.String())
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := fastRetryTransport(srv.URL)
	eng, err := New(tr, Config{
		ObjectRef:          storagecore.ObjectRef{Bucket: "bucket", Name: "obj"},
		PartSize:           MinPartSize,
		Concurrency:        1,
		AutoAbortOnFailure: true,
	}, nil)
	require.NoError(t, err)

	data := bytes.Repeat([]byte{1}, MinPartSize)
	_, err = eng.UploadAll(context.Background(), &memSource{data: data, partSize: MinPartSize})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&initiated))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&uploadAttempts), int32(1))
	assert.Equal(t, int32(1), atomic.LoadInt32(&aborted))
}
