package storagecore

import "fmt"

// ObjectRef identifies a single immutable object version: a bucket, a
// name, and an optional generation. A zero Generation means "the live
// version" rather than a specific pinned generation.
type ObjectRef struct {
	Bucket     string
	Name       string
	Generation int64 // 0 == unset / live version
}

// String renders the reference in gs://bucket/name#generation form,
// omitting the generation when unset.
func (r ObjectRef) String() string {
	if r.Generation == 0 {
		return fmt.Sprintf("gs://%s/%s", r.Bucket, r.Name)
	}
	return fmt.Sprintf("gs://%s/%s#%d", r.Bucket, r.Name, r.Generation)
}

// HasGeneration reports whether the reference pins a specific generation.
func (r ObjectRef) HasGeneration() bool {
	return r.Generation != 0
}

// IdempotencyClass classifies whether an HTTP attempt may be safely
// retried without the risk of a duplicate side effect.
type IdempotencyClass int

const (
	// IdempotencyConditional retries only when a precondition or etag
	// makes the retry safe.
	IdempotencyConditional IdempotencyClass = iota
	// IdempotencyAlways is always safe to retry (GET, HEAD, resumable PUT).
	IdempotencyAlways
	// IdempotencyNever must never be retried by the policy regardless of
	// status or error.
	IdempotencyNever
)

func (c IdempotencyClass) String() string {
	switch c {
	case IdempotencyAlways:
		return "ALWAYS"
	case IdempotencyNever:
		return "NEVER"
	default:
		return "CONDITIONAL"
	}
}

// ChecksumPolicy controls which incremental hashes HashingSink computes
// and what it validates the finished stream against.
type ChecksumPolicy struct {
	CRC32CEnabled   bool
	MD5Enabled      bool
	ExpectedCRC32C  string // base64, optional
	ExpectedMD5     string // base64, optional
	UpdateHashesOnly bool  // if true, never validate, only accumulate
}

// Preconditions carries the optimistic-concurrency fields used both to
// make a mutation idempotent (§4.1 rule 6) and to gate a write server-side.
type Preconditions struct {
	IfGenerationMatch         *int64
	IfGenerationNotMatch      *int64
	IfMetagenerationMatch     *int64
	IfMetagenerationNotMatch  *int64
	IfSourceGenerationMatch   *int64
}

// HasAny reports whether any precondition is set, which is what §4.1
// rule 6 uses to decide whether a mutating request is safely retriable.
func (p Preconditions) HasAny() bool {
	return p.IfGenerationMatch != nil ||
		p.IfGenerationNotMatch != nil ||
		p.IfMetagenerationMatch != nil ||
		p.IfMetagenerationNotMatch != nil ||
		p.IfSourceGenerationMatch != nil
}

// ComposeSourceObject is one entry of a Compose request's sourceObjects
// array (§6 Compose). The HTTP call itself is an external collaborator;
// this type exists so callers and TransferManager share one vocabulary.
type ComposeSourceObject struct {
	Name       string
	Generation int64 // 0 == unset
}

// ComposeRequest is the body shape of a Compose call (§6).
type ComposeRequest struct {
	DestinationContentType string
	SourceObjects          []ComposeSourceObject
}

// Channel is the {id, resourceId} pair returned by a Watch call and
// consumed by a Channels.Stop call (§6).
type Channel struct {
	ID         string
	ResourceID string
	Address    string
}

// WatchRequest is the body shape of a Watch call (§6).
type WatchRequest struct {
	ID      string
	Type    string // always "web_hook"
	Address string
}

// SignedURLVersion distinguishes the V2 and V4 signed-URL blob formats
// (§6 Signed URLs, summary only — signing itself is out of scope per §1).
type SignedURLVersion int

const (
	SignedURLV2 SignedURLVersion = iota
	SignedURLV4
)

// SignedURLOptions is a pure data shape shared by the (external) URL
// signer; see SPEC_FULL.md Open Question 1 for why AccessibleAt and
// Expires are both present without a resolved interaction.
type SignedURLOptions struct {
	Version      SignedURLVersion
	Method       string
	Expires      int64 // unix seconds; V4 max 604800s from now
	AccessibleAt int64 // unix seconds, optional, V4 only
	Headers      map[string]string
}
