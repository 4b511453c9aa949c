package storagecore

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/googleapis/go-storage-transfer-core/retry"
)

// ClientOptions is this module's functional-options bag, mirroring the
// shape google.golang.org/api/option's ClientOption uses (and rclone's
// configstruct-backed per-backend Options): a set of defaults threaded
// through every Transport/Engine/Manager constructed from it, assembled
// by applying a list of ClientOption functions over DefaultOptions.
type ClientOptions struct {
	BaseURL        string
	UniverseDomain string
	Retry          retry.Config
	DefaultChunkSize int64
	Credential     CredentialProvider
	Logger         *logrus.Entry
	HTTPClient     *http.Client
	UserAgent      string
}

// CredentialProvider mirrors transport.CredentialProvider's shape so
// this package can hand out a default implementation without importing
// the transport package (which itself depends on storagecore for error
// types, so the dependency runs the other way).
type CredentialProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// DefaultOptions returns the baseline ClientOptions every ClientOption
// is applied on top of.
func DefaultOptions() ClientOptions {
	return ClientOptions{
		BaseURL:          "https://storage.googleapis.com",
		UniverseDomain:   "googleapis.com",
		Retry:            retry.DefaultConfig(),
		DefaultChunkSize: 32 * 1024 * 1024,
		Logger:           logrus.NewEntry(logrus.StandardLogger()),
		UserAgent:        "go-storage-transfer-core/0.1.0",
	}
}

// ClientOption mutates a ClientOptions in place, the same shape
// google.golang.org/api/option.ClientOption's functional pattern uses.
type ClientOption func(*ClientOptions)

// WithBaseURL overrides the default API endpoint (§6 "base URL /
// universe domain").
func WithBaseURL(url string) ClientOption {
	return func(o *ClientOptions) { o.BaseURL = url }
}

// WithUniverseDomain sets the universe domain component of every
// constructed endpoint.
func WithUniverseDomain(domain string) ClientOption {
	return func(o *ClientOptions) { o.UniverseDomain = domain }
}

// WithRetryConfig overrides the default RetryPolicy configuration.
func WithRetryConfig(cfg retry.Config) ClientOption {
	return func(o *ClientOptions) { o.Retry = cfg }
}

// WithDefaultChunkSize overrides the default chunk size handed to
// ResumableUploadEngine/MultipartXmlUploadEngine callers that don't set
// one explicitly.
func WithDefaultChunkSize(n int64) ClientOption {
	return func(o *ClientOptions) { o.DefaultChunkSize = n }
}

// WithCredentialProvider installs an explicit credential source,
// bypassing application-default-credentials discovery.
func WithCredentialProvider(c CredentialProvider) ClientOption {
	return func(o *ClientOptions) { o.Credential = c }
}

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(o *ClientOptions) { o.HTTPClient = hc }
}

// WithUserAgent overrides the User-Agent header sent on every request.
func WithUserAgent(ua string) ClientOption {
	return func(o *ClientOptions) { o.UserAgent = ua }
}

// WithLogger installs a logrus entry every component logs through.
func WithLogger(log *logrus.Entry) ClientOption {
	return func(o *ClientOptions) { o.Logger = log }
}

// NewClientOptions applies opts over DefaultOptions and, if no explicit
// CredentialProvider was installed, resolves application-default
// credentials via golang.org/x/oauth2/google (§5 "Shared resources":
// one cached, refreshing token source shared across every operation of
// a client instance).
func NewClientOptions(ctx context.Context, scopes []string, opts ...ClientOption) (ClientOptions, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Credential == nil {
		if len(scopes) == 0 {
			scopes = []string{"https://www.googleapis.com/auth/devstorage.read_write"}
		}
		ts, err := google.DefaultTokenSource(ctx, scopes...)
		if err != nil {
			return ClientOptions{}, err
		}
		o.Credential = &oauthCredentialProvider{source: ts}
	}
	return o, nil
}

// oauthCredentialProvider adapts an oauth2.TokenSource (which already
// caches and refreshes) to CredentialProvider.
type oauthCredentialProvider struct {
	source oauth2.TokenSource
}

func (c *oauthCredentialProvider) AccessToken(ctx context.Context) (string, error) {
	tok, err := c.source.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// StaticCredential is a CredentialProvider that always returns the same
// token; useful for tests and service-to-service calls that already
// hold a short-lived token.
type StaticCredential string

func (s StaticCredential) AccessToken(context.Context) (string, error) { return string(s), nil }

// httpClientTimeout is the default Transport timeout when the caller
// does not supply an *http.Client (mirrors transport.New's own
// fallback; kept here too since ClientOptions may be consumed directly
// by a caller that builds its own http.Client from these options).
const httpClientTimeout = 5 * time.Minute
