// Package retry implements the attempt classifier and backoff
// calculator described in spec.md §4.1.
//
// The classification table is grounded on
// backend/googlecloudstorage/googlecloudstorage.go's shouldRetry (the
// *googleapi.Error 5xx / rateLimitExceeded rules) and on the network/
// wrapped-error shape pinned down by fs/fserrors/error_test.go's
// TestShouldRetry and TestCause, even though fserrors' own
// implementation file was not present in the retrieved pack.
package retry

import (
	"errors"
	"math/rand"
	"net"
	"net/url"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
)

// Strategy mirrors spec.md §4.1's idempotency_strategy configuration
// knob, which can escalate or silence the classifier wholesale.
type Strategy int

const (
	StrategyConditional Strategy = iota
	StrategyAlways
	StrategyNever
)

// Decision is the classifier's verdict for one attempt.
type Decision int

const (
	Fail Decision = iota
	RetryDecision
)

// Method idempotency as described in §4.1 rules 5/6.
type methodKind int

const (
	methodIdempotent methodKind = iota // GET, HEAD, PUT to a resumable session
	methodMutation                     // POST, PATCH, DELETE
)

// Attempt is the input to Classify: everything the policy needs to know
// about one HTTP attempt (spec.md §3 "Retry attempt").
type Attempt struct {
	Method string
	// StatusCode is the observed HTTP status, or 0 if the attempt failed
	// before a status was observed (a transport-level error).
	StatusCode int
	// Err is the transport-level error, if any (nil on a completed HTTP
	// round trip, even a non-2xx one).
	Err error
	// HasPrecondition is true when the request carried an
	// ifGenerationMatch/ifMetagenerationMatch/ifSourceGenerationMatch
	// precondition or an etag body (§4.1 rule 6).
	HasPrecondition bool
	// IsBucketCreate / IsBucketDelete identify the two mutation shapes
	// §4.1 rule 6 calls out as "safely retriable" regardless of
	// precondition.
	IsBucketCreate bool
	IsBucketDelete bool
	// IsACLOrIAMOrHMACOrNotificationMutation identifies the family of
	// mutating POSTs that default to FAIL unless a precondition/etag or
	// an explicit override is present (§4.1 rule 6).
	IsACLOrIAMOrHMACOrNotificationMutation bool
	// RetryOverride, when non-nil, is an explicit per-call override for
	// the HMAC/Notification/IAM/ACL default-FAIL rule.
	RetryOverride *bool
	// MalformedBody is true when the response body failed to parse as
	// JSON, or looked like an HTML error page (§4.1 rule 2).
	MalformedBody bool
}

// Config is the immutable configuration of a Policy (§4.1).
type Config struct {
	MaxRetries         int
	InitialDelay       time.Duration
	MaxDelay           time.Duration
	TotalTimeout       time.Duration
	DelayMultiplier    float64
	IdempotencyStrategy Strategy
}

// DefaultConfig mirrors the defaults rclone's pacer.NewDefault uses,
// adapted to the spec's simpler deterministic formula.
func DefaultConfig() Config {
	return Config{
		MaxRetries:         3,
		InitialDelay:       1 * time.Second,
		MaxDelay:           64 * time.Second,
		TotalTimeout:       10 * time.Minute,
		DelayMultiplier:    2.0,
		IdempotencyStrategy: StrategyConditional,
	}
}

// Policy is immutable configuration safely shared across every operation
// of a client instance (spec.md §5 "Shared resources").
type Policy struct {
	cfg Config
	// rand is isolated so tests can make jitter deterministic.
	rand *rand.Rand
}

// New constructs a Policy. A zero Config is replaced field-by-field with
// DefaultConfig's values where the caller left them at the zero value,
// except MaxRetries which is meaningfully zero.
func New(cfg Config) *Policy {
	def := DefaultConfig()
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.TotalTimeout == 0 {
		cfg.TotalTimeout = def.TotalTimeout
	}
	if cfg.DelayMultiplier <= 1 {
		cfg.DelayMultiplier = def.DelayMultiplier
	}
	return &Policy{cfg: cfg, rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Config returns the policy's configuration.
func (p *Policy) Config() Config { return p.cfg }

// rateLimitReasons are the googleapi.Error.Errors[0].Reason values and
// bare error-message substrings §4.1 rule 4 names explicitly.
var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"EAI_AGAIN":             true,
}

// idempotentRetriableStatus is §4.1 rule 5's status set.
var idempotentRetriableStatus = map[int]bool{
	408: true, 429: true, 500: true, 502: true, 503: true, 504: true,
}

// Classify applies the §4.1 rule table, top to bottom, and returns a
// verdict. It is deterministic: the same Attempt + Strategy always
// yields the same Decision (spec.md §8 invariant 5).
func (p *Policy) Classify(a Attempt) Decision {
	if p.cfg.IdempotencyStrategy == StrategyNever {
		return Fail
	}

	// Rule 1: network/transient transport errors.
	if a.Err != nil && isTransientTransportError(a.Err) {
		return RetryDecision
	}

	// Rule 2: malformed JSON / HTML error page.
	if a.MalformedBody {
		return RetryDecision
	}

	// Rule 3: fixed non-retriable statuses, regardless of method.
	switch a.StatusCode {
	case 401, 405, 412:
		return Fail
	}

	// Rule 4: rate-limit reasons.
	if a.Err != nil && hasRateLimitReason(a.Err) {
		return RetryDecision
	}

	escalate := p.cfg.IdempotencyStrategy == StrategyAlways

	kind := classifyMethod(a.Method)
	switch kind {
	case methodIdempotent:
		// Rule 5.
		if a.StatusCode == 0 || idempotentRetriableStatus[a.StatusCode] {
			return RetryDecision
		}
		return Fail
	case methodMutation:
		// Rule 6.
		if a.HasPrecondition {
			return RetryDecision
		}
		if a.IsBucketCreate || a.IsBucketDelete {
			return RetryDecision
		}
		if a.IsACLOrIAMOrHMACOrNotificationMutation {
			if a.RetryOverride != nil && *a.RetryOverride {
				return RetryDecision
			}
			if escalate && (a.StatusCode == 0 || idempotentRetriableStatus[a.StatusCode]) {
				return RetryDecision
			}
			return Fail
		}
		if escalate && (a.StatusCode == 0 || idempotentRetriableStatus[a.StatusCode]) {
			return RetryDecision
		}
		return Fail
	}
	return Fail
}

func classifyMethod(method string) methodKind {
	switch strings.ToUpper(method) {
	case "GET", "HEAD":
		return methodIdempotent
	case "PUT":
		// A resumable-session chunked PUT is treated as idempotent per
		// §4.1 rule 5; the caller is expected to only ever route
		// resumable-session PUTs through this classifier with method
		// "PUT" (non-resumable PUT bodies do not exist in this wire
		// protocol, see spec.md §6).
		return methodIdempotent
	default:
		return methodMutation
	}
}

// isTransientTransportError mirrors fs/fserrors's ShouldRetry table:
// connection reset/timeout/refused/host-not-found/broken-pipe and
// wrapped *url.Error/net.Error values.
func isTransientTransportError(err error) bool {
	if err == nil {
		return false
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return isTransientTransportError(uerr.Err)
	}
	msg := err.Error()
	for _, substr := range []string{
		"connection reset",
		"connection timed out",
		"connection refused",
		"no such host",
		"broken pipe",
		"EOF",
		"i/o timeout",
		"TLS handshake timeout",
	} {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

func hasRateLimitReason(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if len(gerr.Errors) > 0 && rateLimitReasons[gerr.Errors[0].Reason] {
			return true
		}
	}
	msg := err.Error()
	for reason := range rateLimitReasons {
		if strings.Contains(msg, reason) {
			return true
		}
	}
	return false
}

// BackoffResult is the outcome of computing the delay before the next
// attempt.
type BackoffResult struct {
	Delay   time.Duration
	Expired bool // true when the total timeout would be exceeded
}

// Backoff computes the delay before attempt n+1 (n is zero-based: the
// delay before the *first* retry uses n==0), per §4.1's formula:
//
//	delay = min(initial_delay * multiplier^n + jitter, max_delay, total_timeout - elapsed)
//
// If the computed delay is <= 0 the total timeout has been exceeded and
// BackoffResult.Expired is true — callers must treat this as FAIL
// (RetryExhaustedError).
func (p *Policy) Backoff(n int, elapsed time.Duration) BackoffResult {
	if n >= p.cfg.MaxRetries {
		return BackoffResult{Expired: true}
	}
	raw := float64(p.cfg.InitialDelay) * powFloat(p.cfg.DelayMultiplier, n)
	jitter := time.Duration(p.rand.Int63n(int64(1001))) * time.Millisecond
	delay := time.Duration(raw) + jitter
	if delay > p.cfg.MaxDelay {
		delay = p.cfg.MaxDelay
	}
	remaining := p.cfg.TotalTimeout - elapsed
	if remaining < delay {
		delay = remaining
	}
	if delay <= 0 {
		return BackoffResult{Expired: true}
	}
	return BackoffResult{Delay: delay}
}

func powFloat(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
