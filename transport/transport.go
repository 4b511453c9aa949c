// Package transport implements the authenticated HTTP call, URL/header
// assembly, invocation-ID tagging and retry-driving described in
// spec.md §4.2.
//
// Grounded on meet2mky-google-api-go-client/internal/gensupport/
// resumable.go's doUploadRequest (header assembly) and on the
// f.pacer.Call(...) "classify, sleep, retry" driver loop visible
// throughout backend/googlecloudstorage/googlecloudstorage.go.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	storagecore "github.com/googleapis/go-storage-transfer-core"
	"github.com/googleapis/go-storage-transfer-core/retry"
)

// CredentialProvider is the pluggable collaborator §1 calls out:
// "a pluggable credential provider exposing a signing operation and an
// access-token source". Token acquisition and caching live outside this
// package; Transport calls AccessToken before every attempt.
type CredentialProvider interface {
	// AccessToken returns a bearer token valid for at least the
	// duration of one HTTP attempt. Implementations are expected to
	// cache and refresh internally (spec.md §5 "Shared resources").
	AccessToken(ctx context.Context) (string, error)
}

// StaticToken is a CredentialProvider that always returns the same
// token; useful for tests and for anonymous/public-bucket access.
type StaticToken string

func (s StaticToken) AccessToken(context.Context) (string, error) { return string(s), nil }

// Response is the parsed-or-streamed outcome of a Call (§4.2 contract).
type Response struct {
	StatusCode int
	Header     http.Header
	// Body is the raw response body. Present for both streamed and
	// buffered calls; for a streamed call the caller is responsible for
	// closing it once done.
	Body io.ReadCloser
}

// JSON decodes the response body as JSON into v. Callers that asked for
// a buffered (non-streaming) response use this.
func (r *Response) JSON(v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

// Call is one logical HTTP operation's parameters (§4.2 contract).
type Call struct {
	Method string
	// Path is joined onto BaseURL; if Path is already an absolute URL
	// (has a scheme) it is used verbatim, matching §4.2's "accept
	// absolute URLs verbatim" requirement (used by resumable session
	// URIs and multipart bucket-vhost URLs).
	Path   string
	Query  url.Values
	Header http.Header
	Body   io.Reader
	// ContentLength, when >= 0, is set explicitly (needed for the
	// Content-Length: 0 status-probe request of §4.4 step 1).
	ContentLength int64
	// Stream requests the response body be handed back unread, for
	// ranged downloads and large bodies (§4.2).
	Stream bool
	// ExpectedSuccess is the set of status codes this call considers
	// terminal-success independent of 2xx (e.g. 308 resume-incomplete).
	ExpectedSuccess []int

	// classification inputs, passed straight through to retry.Attempt.
	HasPrecondition                        bool
	IsBucketCreate                         bool
	IsBucketDelete                         bool
	IsACLOrIAMOrHMACOrNotificationMutation bool
	RetryOverride                          *bool

	// RotateInvocationID forces a fresh invocation ID for this call even
	// if one was carried over from a prior logical call (§4.2: "rotate
	// it for logically new calls").
	RotateInvocationID bool
	// InvocationID, when non-empty, reuses the given ID instead of
	// minting a new one.
	InvocationID string
	// Feature tags this call with gccl-gcs-cmd/<feature> (§6 Headers,
	// spec.md §4.7 TransferManager operations).
	Feature string
}

// Options configures a Transport instance.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Credential CredentialProvider
	Retry      *retry.Policy
	UserAgent  string
	ProjectID  string
	Logger     *logrus.Entry
}

// Transport is the shared HTTP client described in spec.md §4.2/§5. It
// is safe for concurrent use; per-request state is local to each Call.
type Transport struct {
	baseURL    string
	httpClient *http.Client
	credential CredentialProvider
	policy     *retry.Policy
	userAgent  string
	projectID  string
	log        *logrus.Entry

	// lastInvocationID tracks the most recently rotated invocation ID so
	// that a sequence of retries of the *same* logical call can reuse it
	// (§4.2: "re-emit the same invocation ID for retries of the same
	// logical call").
	lastInvocationID string
}

// New constructs a Transport.
func New(opts Options) *Transport {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if opts.Retry == nil {
		opts.Retry = retry.New(retry.DefaultConfig())
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "go-storage-transfer-core/0.1.0"
	}
	return &Transport{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: opts.HTTPClient,
		credential: opts.Credential,
		policy:     opts.Retry,
		userAgent:  opts.UserAgent,
		projectID:  opts.ProjectID,
		log:        opts.Logger,
	}
}

func (t *Transport) resolveURL(c Call) (string, error) {
	if u, err := url.Parse(c.Path); err == nil && u.IsAbs() {
		if len(c.Query) > 0 {
			q := u.Query()
			for k, vs := range c.Query {
				for _, v := range vs {
					q.Add(k, v)
				}
			}
			u.RawQuery = q.Encode()
		}
		return u.String(), nil
	}
	full := t.baseURL + "/" + strings.TrimLeft(c.Path, "/")
	if len(c.Query) > 0 {
		full += "?" + c.Query.Encode()
	}
	return full, nil
}

// Do executes one logical HTTP call, applying the retry policy across
// attempts. It returns the first terminal Response (success or an
// unretriable failure) or a *storagecore.RetryExhaustedError /
// *storagecore.TransportError.
func (t *Transport) Do(ctx context.Context, c Call) (*Response, error) {
	invocationID := c.InvocationID
	if invocationID == "" {
		if c.RotateInvocationID || t.lastInvocationID == "" {
			invocationID = uuid.New().String()
		} else {
			invocationID = t.lastInvocationID
		}
	}
	t.lastInvocationID = invocationID

	fullURL, err := t.resolveURL(c)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve url: %w", err)
	}

	start := time.Now()
	// The body is buffered once so every retry attempt can replay the
	// exact same bytes; callers that stream very large bodies (the
	// resumable and multipart engines) already hand Transport a
	// bounded, already-in-memory chunk for this reason.
	var bodyBytes []byte
	if c.Body != nil {
		b, rerr := io.ReadAll(c.Body)
		if rerr != nil {
			return nil, fmt.Errorf("transport: buffer request body: %w", rerr)
		}
		bodyBytes = b
	}

	attempt := 0
	for {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		} else {
			bodyReader = c.Body
		}

		resp, attemptErr := t.attempt(ctx, c, fullURL, bodyReader, invocationID, attempt)
		statusCode := 0
		if resp != nil {
			statusCode = resp.StatusCode
		}

		if attemptErr == nil && isSuccess(statusCode, c.ExpectedSuccess) {
			t.log.WithFields(logrus.Fields{
				"method": c.Method, "status": statusCode, "attempt": attempt,
			}).Debug("transport: call succeeded")
			return resp, nil
		}

		decision := t.policy.Classify(retry.Attempt{
			Method:                                  c.Method,
			StatusCode:                              statusCode,
			Err:                                      attemptErr,
			HasPrecondition:                          c.HasPrecondition,
			IsBucketCreate:                           c.IsBucketCreate,
			IsBucketDelete:                           c.IsBucketDelete,
			IsACLOrIAMOrHMACOrNotificationMutation:    c.IsACLOrIAMOrHMACOrNotificationMutation,
			RetryOverride:                            c.RetryOverride,
		})
		if decision == retry.Fail {
			if attemptErr != nil {
				return resp, &storagecore.TransportError{Method: c.Method, URL: fullURL, Cause: attemptErr}
			}
			return resp, nil // non-2xx, non-retriable: caller inspects StatusCode
		}

		backoff := t.policy.Backoff(attempt, time.Since(start))
		if backoff.Expired {
			cause := attemptErr
			if cause == nil {
				cause = fmt.Errorf("status %d", statusCode)
			}
			return resp, &storagecore.RetryExhaustedError{Attempts: attempt + 1, Elapsed: time.Since(start).String(), Cause: cause}
		}

		t.log.WithFields(logrus.Fields{
			"method": c.Method, "status": statusCode, "attempt": attempt, "sleep": backoff.Delay,
		}).Debug("transport: retrying after backoff")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff.Delay):
		}
		attempt++
		// Rotate invocation ID only when the caller starts a logically
		// new call, never mid-retry-sequence (§4.2).
	}
}

// Policy returns the retry policy this Transport classifies and backs
// off with. Callers that need custom control flow around a single
// logical call instead of Do's own blind-replay loop (resumable.Engine's
// chunked-PUT reprobe-before-resend, spec.md §4.4) classify/backoff
// through the same policy via DoOnce.
func (t *Transport) Policy() *retry.Policy { return t.policy }

// IsSuccessStatus reports whether status counts as success for a call
// that declared expected as its additional (non-2xx) success codes,
// e.g. 308 resume-incomplete.
func IsSuccessStatus(status int, expected []int) bool {
	return isSuccess(status, expected)
}

// DoOnce performs exactly one HTTP attempt with no retry looping: it
// mints or reuses an invocation ID exactly as Do does, issues the
// request once, and hands back the raw Response/error without
// consulting the retry policy. Callers that must react to a retriable
// failure differently from a blind resend of the same bytes at the same
// range — resumable.Engine's chunked-PUT loop, which on a retriable
// failure restores the chunk to its cache and reprobes rather than
// resending (§4.4) — classify the outcome themselves via Policy() and
// drive their own backoff/retry around repeated DoOnce calls.
func (t *Transport) DoOnce(ctx context.Context, c Call, attemptIdx int) (*Response, error) {
	invocationID := c.InvocationID
	if invocationID == "" {
		if c.RotateInvocationID || t.lastInvocationID == "" {
			invocationID = uuid.New().String()
		} else {
			invocationID = t.lastInvocationID
		}
	}
	t.lastInvocationID = invocationID

	fullURL, err := t.resolveURL(c)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve url: %w", err)
	}
	return t.attempt(ctx, c, fullURL, c.Body, invocationID, attemptIdx)
}

func (t *Transport) attempt(ctx context.Context, c Call, fullURL string, body io.Reader, invocationID string, attemptIdx int) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, c.Method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	if c.ContentLength >= 0 && (c.Method == http.MethodPut || c.Method == http.MethodPost) {
		req.ContentLength = c.ContentLength
	}
	for k, vs := range c.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", t.userAgent)
	req.Header.Set("X-Goog-Api-Client", t.apiClientHeader(invocationID, attemptIdx, c.Feature))
	if t.projectID != "" && req.Header.Get("X-Goog-Project-Id") == "" {
		req.Header.Set("X-Goog-Project-Id", t.projectID)
	}

	if t.credential != nil {
		token, terr := t.credential.AccessToken(ctx)
		if terr != nil {
			return nil, fmt.Errorf("transport: acquire access token: %w", terr)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if c.Stream {
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
	}

	defer resp.Body.Close()
	buf, rerr := io.ReadAll(resp.Body)
	if rerr != nil {
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header}, rerr
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       io.NopCloser(bytes.NewReader(buf)),
	}, nil
}

// apiClientHeader builds the x-goog-api-client header per spec.md §6
// Headers: "gl-<runtime> gccl/<version>-<format> gccl-invocation-id/
// <uuid> [gccl-gcs-cmd/<feature>]", with a gccl-attempt-count/<n>
// token (1-based) inserted before the optional feature tag.
func (t *Transport) apiClientHeader(invocationID string, attempt int, feature string) string {
	parts := []string{
		"gl-go/" + goVersion(),
		"gccl/0.1.0-core",
		"gccl-invocation-id/" + invocationID,
		"gccl-attempt-count/" + strconv.Itoa(attempt+1),
	}
	if feature != "" {
		parts = append(parts, "gccl-gcs-cmd/"+feature)
	}
	return strings.Join(parts, " ")
}

// goVersion returns the running Go runtime version without its "go"
// prefix, matching gensupport.GoVersion()'s shape.
func goVersion() string {
	v := strings.TrimPrefix(runtime.Version(), "go")
	return v
}

func isSuccess(status int, expected []int) bool {
	if status >= 200 && status < 300 {
		return true
	}
	for _, e := range expected {
		if status == e {
			return true
		}
	}
	return false
}
