package retry

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeNetErr struct{ msg string }

func (e *fakeNetErr) Error() string   { return e.msg }
func (e *fakeNetErr) Timeout() bool   { return true }
func (e *fakeNetErr) Temporary() bool { return true }

var _ net.Error = (*fakeNetErr)(nil)

func TestClassify_NetworkErrorAlwaysRetries(t *testing.T) {
	p := New(DefaultConfig())
	d := p.Classify(Attempt{Method: "POST", Err: &fakeNetErr{"connection reset by peer"}})
	assert.Equal(t, RetryDecision, d)
}

func TestClassify_FixedFailStatuses(t *testing.T) {
	p := New(DefaultConfig())
	for _, code := range []int{401, 405, 412} {
		d := p.Classify(Attempt{Method: "PATCH", StatusCode: code, HasPrecondition: true})
		assert.Equal(t, Fail, d, "status %d must never retry", code)
	}
}

func TestClassify_IdempotentMethods(t *testing.T) {
	p := New(DefaultConfig())
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.Equal(t, RetryDecision, p.Classify(Attempt{Method: "GET", StatusCode: code}))
	}
	assert.Equal(t, Fail, p.Classify(Attempt{Method: "GET", StatusCode: 403}))
	// status unknown (transport hung up before a status arrived)
	assert.Equal(t, RetryDecision, p.Classify(Attempt{Method: "HEAD", StatusCode: 0}))
}

func TestClassify_MutationWithPrecondition(t *testing.T) {
	p := New(DefaultConfig())
	d := p.Classify(Attempt{Method: "PATCH", StatusCode: 500, HasPrecondition: true})
	assert.Equal(t, RetryDecision, d)
}

func TestClassify_MutationWithoutPreconditionFails(t *testing.T) {
	p := New(DefaultConfig())
	d := p.Classify(Attempt{Method: "POST", StatusCode: 500})
	assert.Equal(t, Fail, d)
}

func TestClassify_BucketCreateAndDeleteAreSafelyRetriable(t *testing.T) {
	p := New(DefaultConfig())
	assert.Equal(t, RetryDecision, p.Classify(Attempt{Method: "POST", StatusCode: 503, IsBucketCreate: true}))
	assert.Equal(t, RetryDecision, p.Classify(Attempt{Method: "DELETE", StatusCode: 503, IsBucketDelete: true}))
}

func TestClassify_HMACMutationDefaultsToFail(t *testing.T) {
	p := New(DefaultConfig())
	d := p.Classify(Attempt{Method: "POST", StatusCode: 500, IsACLOrIAMOrHMACOrNotificationMutation: true})
	assert.Equal(t, Fail, d)

	allow := true
	d2 := p.Classify(Attempt{
		Method: "POST", StatusCode: 500,
		IsACLOrIAMOrHMACOrNotificationMutation: true,
		RetryOverride:                          &allow,
	})
	assert.Equal(t, RetryDecision, d2)
}

func TestClassify_RateLimitReasonRetries(t *testing.T) {
	p := New(DefaultConfig())
	d := p.Classify(Attempt{Method: "POST", Err: errors.New("googleapi: Error 403: rateLimitExceeded")})
	assert.Equal(t, RetryDecision, d)
}

func TestClassify_StrategyNeverAlwaysFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdempotencyStrategy = StrategyNever
	p := New(cfg)
	d := p.Classify(Attempt{Method: "GET", StatusCode: 503})
	assert.Equal(t, Fail, d)
}

func TestClassify_StrategyAlwaysEscalatesMutations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdempotencyStrategy = StrategyAlways
	p := New(cfg)
	d := p.Classify(Attempt{Method: "POST", StatusCode: 500})
	assert.Equal(t, RetryDecision, d)
}

func TestClassify_Deterministic(t *testing.T) {
	p := New(DefaultConfig())
	a := Attempt{Method: "GET", StatusCode: 503}
	first := p.Classify(a)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, p.Classify(a))
	}
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialDelay = 100 * time.Millisecond
	cfg.MaxDelay = 500 * time.Millisecond
	cfg.MaxRetries = 10
	cfg.TotalTimeout = time.Hour
	p := New(cfg)

	r0 := p.Backoff(0, 0)
	assert.False(t, r0.Expired)
	assert.True(t, r0.Delay >= 100*time.Millisecond)

	r5 := p.Backoff(5, 0)
	assert.False(t, r5.Expired)
	assert.LessOrEqual(t, r5.Delay, cfg.MaxDelay)
}

func TestBackoff_ExpiresAtMaxRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	p := New(cfg)
	r := p.Backoff(2, 0)
	assert.True(t, r.Expired)
}

func TestBackoff_ExpiresAtTotalTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TotalTimeout = 50 * time.Millisecond
	cfg.MaxRetries = 100
	p := New(cfg)
	r := p.Backoff(0, 49*time.Millisecond)
	assert.True(t, r.Expired || r.Delay <= time.Millisecond)
}
