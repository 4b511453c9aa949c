// Package xmlproto defines the small, fixed XML request/response shapes
// spec.md §4.5/§6 use for the S3-style multipart upload surface.
package xmlproto

import "encoding/xml"

// InitiateMultipartUploadResult is the response to `POST {object}?uploads`.
type InitiateMultipartUploadResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadID string   `xml:"UploadId"`
}

// Part is one entry of the Complete request body, sorted by PartNumber
// ascending before being sent (spec.md §4.5 step 3, §8 invariant 2).
type Part struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

// CompleteMultipartUpload is the `POST {object}?uploadId=U` request body.
type CompleteMultipartUpload struct {
	XMLName xml.Name `xml:"CompleteMultipartUpload"`
	Parts   []Part   `xml:"Part"`
}

// CompleteMultipartUploadResult is the (optional, implementation
// specific) response to Complete; not strictly required by spec.md but
// commonly returned by S3-style endpoints and useful for the final
// object ETag.
type CompleteMultipartUploadResult struct {
	XMLName xml.Name `xml:"CompleteMultipartUploadResult"`
	Bucket  string   `xml:"Bucket"`
	Key     string   `xml:"Key"`
	ETag    string   `xml:"ETag"`
}
