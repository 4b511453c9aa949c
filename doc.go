// Package storagecore implements the transport, retry, checksum and
// transfer-orchestration engines shared by a higher-level HTTP/JSON
// object-storage client.
//
// It intentionally does not implement the JSON method wrappers for
// buckets, objects, ACLs, IAM, notifications or HMAC keys, nor the URL
// signer: those are external collaborators built on top of the
// transport.Transport exposed here.
package storagecore
