// Package checksum implements the write-through CRC32C/MD5 accumulator
// described in spec.md §4.3.
//
// Grounded on backend/s3/s3.go's per-chunk MD5 accumulation
// (uploadMultipart / s3ChunkWriter.addMd5, base64-encoded into
// Content-MD5) generalized to the CRC32C+MD5 pair spec.md §6's
// X-Goog-Hash header carries.
package checksum

import (
	"crypto/md5"
	"encoding/base64"
	"hash"
	"hash/crc32"
	"sync"

	storagecore "github.com/googleapis/go-storage-transfer-core"
)

// Sink is a write-through sink: every byte written through Write is fed
// to whichever of CRC32C/MD5 the ChecksumPolicy enabled. It is bound to
// the lifetime of one byte stream and finalizes exactly once.
type Sink struct {
	mu       sync.Mutex
	policy   storagecore.ChecksumPolicy
	crc      hash.Hash32
	md5      hash.Hash
	final    bool
	crcSum   string
	md5Sum   string
}

// New constructs a Sink per policy. Disabled accumulators are left nil
// so Update is a no-op for them.
func New(policy storagecore.ChecksumPolicy) *Sink {
	s := &Sink{policy: policy}
	if policy.CRC32CEnabled {
		s.crc = crc32.New(crc32.MakeTable(crc32.Castagnoli))
	}
	if policy.MD5Enabled {
		s.md5 = md5.New()
	}
	return s
}

// Update feeds bytes through the enabled accumulators. Safe to call
// concurrently with itself, but callers must not call Update after
// Finalize.
func (s *Sink) Update(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.crc != nil {
		s.crc.Write(p)
	}
	if s.md5 != nil {
		s.md5.Write(p)
	}
}

// Write implements io.Writer so a Sink can be wrapped around an
// io.MultiWriter / io.TeeReader chain.
func (s *Sink) Write(p []byte) (int, error) {
	s.Update(p)
	return len(p), nil
}

// Finalize computes the base64 sums exactly once; subsequent calls are
// no-ops and return the same values (§4.3 "Finalization is idempotent").
func (s *Sink) Finalize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.final {
		return
	}
	if s.crc != nil {
		s.crcSum = base64.StdEncoding.EncodeToString(s.crc.Sum(nil))
	}
	if s.md5 != nil {
		s.md5Sum = base64.StdEncoding.EncodeToString(s.md5.Sum(nil))
	}
	s.final = true
}

// CRC32CBase64 returns the finalized, base64-encoded CRC32C sum. Call
// Finalize first.
func (s *Sink) CRC32CBase64() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crcSum
}

// MD5Base64 returns the finalized, base64-encoded MD5 sum. Call
// Finalize first.
func (s *Sink) MD5Base64() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.md5Sum
}

// Kind identifies which accumulator Validate checks.
type Kind string

const (
	KindCRC32C Kind = "crc32c"
	KindMD5    Kind = "md5"
)

// Validate finalizes (if not already) and compares the local value of
// kind against expectedBase64. It returns true when they match or when
// expectedBase64 is empty (nothing to validate against).
func (s *Sink) Validate(kind Kind, expectedBase64 string) bool {
	s.Finalize()
	if expectedBase64 == "" {
		return true
	}
	switch kind {
	case KindCRC32C:
		return s.CRC32CBase64() == expectedBase64
	case KindMD5:
		return s.MD5Base64() == expectedBase64
	default:
		return false
	}
}

// ValidateAgainstPolicy runs the §4.3 "on a stream's end" rule: if
// UpdateHashesOnly is false and either expected value is set, finalize
// and compare; on mismatch it returns a *storagecore.ChecksumMismatchError
// with code CONTENT_DOWNLOAD_MISMATCH (the download-side surface; upload
// callers construct FILE_NO_UPLOAD themselves since the code differs by
// direction, not by this sink).
func (s *Sink) ValidateAgainstPolicy() error {
	if s.policy.UpdateHashesOnly {
		s.Finalize()
		return nil
	}
	s.Finalize()
	if s.policy.ExpectedCRC32C != "" && s.CRC32CBase64() != s.policy.ExpectedCRC32C {
		return &storagecore.ChecksumMismatchError{
			Code: storagecore.CodeDownloadMismatch, Kind: string(KindCRC32C),
			Local: s.CRC32CBase64(), Remote: s.policy.ExpectedCRC32C,
		}
	}
	if s.policy.ExpectedMD5 != "" && s.MD5Base64() != s.policy.ExpectedMD5 {
		return &storagecore.ChecksumMismatchError{
			Code: storagecore.CodeDownloadMismatch, Kind: string(KindMD5),
			Local: s.MD5Base64(), Remote: s.policy.ExpectedMD5,
		}
	}
	return nil
}
