package resumable

import (
	"net/http"

	storagecore "github.com/googleapis/go-storage-transfer-core"
)

// MinChunkSize is the minimum (and required multiple) chunk size per
// spec.md §4.4: "must be a positive multiple of 256 KiB".
const MinChunkSize = 256 * 1024

// Encryption carries a customer-supplied encryption key (§4.4, §6
// Headers: x-goog-encryption-{algorithm,key,key-sha256}).
type Encryption struct {
	KeyBase64       string
	KeySHA256Base64 string
}

// Config configures one resumable upload session (spec.md §3 "Upload
// session" + §4.4 "Configuration").
type Config struct {
	ObjectRef storagecore.ObjectRef

	// Metadata is the object metadata sent as the CreateSession POST
	// body, minus ContentLength/ContentType which travel as
	// X-Upload-Content-* headers instead (§4.4 "Create session").
	Metadata    map[string]interface{}
	ContentType string

	Preconditions storagecore.Preconditions
	KMSKeyName    string
	PredefinedACL string
	Origin        string

	// ChunkSize, if zero, selects the single-request streaming path
	// (§4.4 "Single-request path"). Otherwise it must be a positive
	// multiple of MinChunkSize.
	ChunkSize int64

	// ContentLength is the total object size, or -1 if unknown (a
	// streamed upload whose length is discovered only at EOF).
	ContentLength int64

	// URI and Offset resume a prior session (§4.4 "Resume semantics").
	// Offset == -1 means "unknown, probe the server first".
	URI    string
	Offset int64

	// IsPartialUpload requires ChunkSize to be set and, per §9's Open
	// Question resolution, suppresses the terminal checksum header even
	// on what looks like the final chunk.
	IsPartialUpload bool

	Checksum   storagecore.ChecksumPolicy
	Encryption *Encryption

	CustomHeaders http.Header

	// Feature tags every request with gccl-gcs-cmd/<feature> (§6).
	Feature string
}

// Validate enforces the documented contract violations that must fail
// before any I/O (§4.4, §7 ValidationError).
func (c Config) Validate() error {
	if c.ObjectRef.Bucket == "" {
		return &storagecore.ValidationError{Field: "ObjectRef.Bucket", Message: "must not be empty"}
	}
	if c.ObjectRef.Name == "" {
		return &storagecore.ValidationError{Field: "ObjectRef.Name", Message: "must not be empty"}
	}
	if c.ChunkSize != 0 {
		if c.ChunkSize <= 0 || c.ChunkSize%MinChunkSize != 0 {
			return &storagecore.ValidationError{
				Field:   "ChunkSize",
				Message: "must be a positive multiple of 256 KiB",
			}
		}
	}
	if c.IsPartialUpload && c.ChunkSize == 0 {
		return &storagecore.ValidationError{
			Field: "IsPartialUpload", Message: "requires ChunkSize to be set",
		}
	}
	return nil
}
