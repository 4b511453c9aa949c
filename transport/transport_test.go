package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/googleapis/go-storage-transfer-core/retry"
)

func TestDo_SucceedsFirstTry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("X-Goog-Api-Client"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr := New(Options{BaseURL: srv.URL, Credential: StaticToken("tok")})
	resp, err := tr.Do(context.Background(), Call{Method: http.MethodGet, Path: "/b/bucket/o"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDo_RetriesOn503ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := retry.DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	policy := retry.New(cfg)

	tr := New(Options{BaseURL: srv.URL, Retry: policy})
	resp, err := tr.Do(context.Background(), Call{Method: http.MethodPost, Path: "/b", IsBucketCreate: true})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDo_NonRetriableMutationFailsImmediately(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := New(Options{BaseURL: srv.URL})
	resp, err := tr.Do(context.Background(), Call{Method: http.MethodPost, Path: "/b/x/notificationConfigs",
		IsACLOrIAMOrHMACOrNotificationMutation: true})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDo_AbsoluteURLUsedVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/session/xyz", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := New(Options{BaseURL: "https://unused.example"})
	resp, err := tr.Do(context.Background(), Call{Method: http.MethodPut, Path: srv.URL + "/session/xyz"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDo_308IsExpectedSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Range", "bytes=0-1023")
		w.WriteHeader(308)
	}))
	defer srv.Close()

	tr := New(Options{BaseURL: srv.URL})
	resp, err := tr.Do(context.Background(), Call{Method: http.MethodPut, Path: "/session", ExpectedSuccess: []int{308}})
	require.NoError(t, err)
	assert.Equal(t, 308, resp.StatusCode)
	assert.Equal(t, "bytes=0-1023", resp.Header.Get("Range"))
}
