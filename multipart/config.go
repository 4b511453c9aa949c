// Package multipart implements the S3-style multipart upload engine
// described in spec.md §4.5: Initiate/UploadPart/Complete/Abort over a
// generic XML endpoint, uploaded concurrently and completed with an
// ascending-PartNumber manifest.
//
// Grounded on backend/s3/s3.go's s3ChunkWriter (OpenChunkWriter /
// WriteChunk / Close / Abort) translated from the AWS SDK's typed
// request/response structs to this module's own internal/xmlproto
// structs, and on backend/pikpak/multipart.go's errgroup-plus-
// token-dispenser bounded-concurrency part loop.
package multipart

import (
	"net/http"

	storagecore "github.com/googleapis/go-storage-transfer-core"
)

// MinPartSize is the smallest part size this engine will emit, other
// than the final part (spec.md §4.5 "Part sizing").
const MinPartSize = 5 * 1024 * 1024

// Config configures one multipart upload (spec.md §4.5 "Configuration").
type Config struct {
	ObjectRef storagecore.ObjectRef

	ContentType string
	Metadata    map[string]string

	// PartSize is the size of every part except possibly the last, which
	// carries the remainder. Must be >= MinPartSize.
	PartSize int64

	// Concurrency bounds how many parts may be in flight at once
	// (spec.md §5 "Resource model").
	Concurrency int

	// AutoAbortOnFailure issues Abort as soon as any part or Complete
	// fails, releasing the upload ID server-side (spec.md §4.5 "Failure
	// handling"). When false, the caller is responsible for calling
	// Abort or resuming with Resume.
	AutoAbortOnFailure bool

	CustomHeaders http.Header
	Feature       string
}

// Validate enforces the documented contract violations that must fail
// before any I/O.
func (c Config) Validate() error {
	if c.ObjectRef.Bucket == "" {
		return &storagecore.ValidationError{Field: "ObjectRef.Bucket", Message: "must not be empty"}
	}
	if c.ObjectRef.Name == "" {
		return &storagecore.ValidationError{Field: "ObjectRef.Name", Message: "must not be empty"}
	}
	if c.PartSize != 0 && c.PartSize < MinPartSize {
		return &storagecore.ValidationError{Field: "PartSize", Message: "must be >= 5 MiB"}
	}
	if c.Concurrency < 0 {
		return &storagecore.ValidationError{Field: "Concurrency", Message: "must be >= 0"}
	}
	return nil
}

func (c Config) partSize() int64 {
	if c.PartSize == 0 {
		return MinPartSize
	}
	return c.PartSize
}

func (c Config) concurrency() int {
	if c.Concurrency == 0 {
		return 1
	}
	return c.Concurrency
}
