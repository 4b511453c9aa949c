package transfer

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storagecore "github.com/googleapis/go-storage-transfer-core"
	"github.com/googleapis/go-storage-transfer-core/internal/xmlproto"
	"github.com/googleapis/go-storage-transfer-core/transport"
)

// TestScenarioS4_DownloadFileInChunks mirrors spec.md §8 scenario S4:
// a 100 MiB object downloaded at 10 MiB chunks with concurrency 4,
// producing a byte-identical file, at most 4 ranged GETs outstanding.
func TestScenarioS4_DownloadFileInChunks(t *testing.T) {
	const total = 100 * 1024 * 1024
	const chunkSize = 10 * 1024 * 1024
	data := make([]byte, total)
	for i := range data {
		data[i] = byte(i)
	}

	var inFlight int32
	var maxInFlight int32
	var gets int32

	mux := http.NewServeMux()
	mux.HandleFunc("/b/bucket/o/obj", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("alt") != "media" {
			fmt.Fprintf(w, `{"name":"obj","size":"%d"}`, total)
			return
		}
		atomic.AddInt32(&gets, 1)
		cur := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			old := atomic.LoadInt32(&maxInFlight)
			if cur <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, cur) {
				break
			}
		}
		rangeHeader := r.Header.Get("Range")
		var start, end int64
		fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end)
		w.Write(data[start : end+1])
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := transport.New(transport.Options{BaseURL: srv.URL})
	m := New(tr, nil)

	dir := t.TempDir()
	dest := filepath.Join(dir, "obj")
	err := m.DownloadFileInChunks(context.Background(),
		storagecore.ObjectRef{Bucket: "bucket", Name: "obj"}, dest,
		DownloadChunksOptions{ConcurrencyLimit: 4, ChunkSizeBytes: chunkSize})
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, int32(total/chunkSize), atomic.LoadInt32(&gets))
	assert.LessOrEqual(t, atomic.LoadInt32(&maxInFlight), int32(4))
}

func TestDownloadFileInChunks_BelowThresholdSingleGET(t *testing.T) {
	data := []byte("small object body")
	var mediaGets int32
	mux := http.NewServeMux()
	mux.HandleFunc("/b/bucket/o/small", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("alt") != "media" {
			fmt.Fprintf(w, `{"name":"small","size":"%d"}`, len(data))
			return
		}
		atomic.AddInt32(&mediaGets, 1)
		w.Write(data)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := transport.New(transport.Options{BaseURL: srv.URL})
	m := New(tr, nil)

	dir := t.TempDir()
	dest := filepath.Join(dir, "small")
	err := m.DownloadFileInChunks(context.Background(),
		storagecore.ObjectRef{Bucket: "bucket", Name: "small"}, dest, DownloadChunksOptions{})
	require.NoError(t, err)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, int32(1), atomic.LoadInt32(&mediaGets))
}

func TestUploadManyFiles_DirectoryWalkAndPrefix(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("aaa"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("bbbbb"), 0o644))

	var uploadedNames []string
	mux := http.NewServeMux()
	mux.HandleFunc("/upload/storage/v1/b/bucket/o", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "http://"+r.Host+"/session/"+r.URL.Query().Get("name"))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/session/", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path[len("/session/"):]
		uploadedNames = append(uploadedNames, name)
		fmt.Fprint(w, `{"size":"0"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := transport.New(transport.Options{BaseURL: srv.URL})
	m := New(tr, nil)

	results, err := m.UploadManyFiles(context.Background(), dir, "bucket", UploadManyOptions{
		BulkOptions: BulkOptions{ConcurrencyLimit: 2},
		Prefix:      "backup",
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err)
		assert.Contains(t, r.Object.Name, "backup/")
	}
}

func TestUploadManyFiles_ContinueModeCollectsAllErrors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ok.txt"), []byte("ok"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.txt"), []byte("bad"), 0o644))

	mux := http.NewServeMux()
	mux.HandleFunc("/upload/storage/v1/b/bucket/o", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if name == "bad.txt" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Location", "http://"+r.Host+"/session/"+name)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/session/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"size":"0"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := transport.New(transport.Options{BaseURL: srv.URL})
	m := New(tr, nil)

	results, err := m.UploadManyFiles(context.Background(), dir, "bucket", UploadManyOptions{
		BulkOptions: BulkOptions{ConcurrencyLimit: 2, ErrorMode: ErrorModeContinue},
	})
	require.Error(t, err)
	require.Len(t, results, 2)
	var sawOK, sawBad bool
	for _, r := range results {
		if r.Object.Name == "ok.txt" {
			sawOK = r.Err == nil
		}
		if r.Object.Name == "bad.txt" {
			sawBad = r.Err != nil
		}
	}
	assert.True(t, sawOK)
	assert.True(t, sawBad)
}

func TestUploadFileInChunks_DrivesMultipartEngine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.bin")
	data := make([]byte, 12*1024*1024) // 12 MiB -> 3 parts of 5 MiB (last partial)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	var initiated int32
	var parts []string
	mux := http.NewServeMux()
	mux.HandleFunc("/bucket/big.bin", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case r.Method == http.MethodPost && q.Has("uploads"):
			atomic.AddInt32(&initiated, 1)
			xml.NewEncoder(w).Encode(xmlproto.InitiateMultipartUploadResult{UploadID: "u1"})
		case r.Method == http.MethodPut:
			parts = append(parts, q.Get("partNumber"))
			w.Header().Set("ETag", "e"+q.Get("partNumber"))
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && q.Get("uploadId") == "u1":
			xml.NewEncoder(w).Encode(xmlproto.CompleteMultipartUploadResult{ETag: "final"})
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.String())
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := transport.New(transport.Options{BaseURL: srv.URL})
	m := New(tr, nil)

	result, err := m.UploadFileInChunks(context.Background(), path,
		storagecore.ObjectRef{Bucket: "bucket", Name: "big.bin"},
		UploadChunksOptions{ChunkSizeBytes: 5 * 1024 * 1024, ConcurrencyLimit: 2})
	require.NoError(t, err)
	assert.Equal(t, "final", result.ETag)
	assert.Equal(t, int32(1), atomic.LoadInt32(&initiated))
	assert.Len(t, parts, 3)
}
