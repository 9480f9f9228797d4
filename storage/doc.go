// Package storage fetches attestation policy documents and trusted root
// bundles by content identifier.
//
// Content is addressed by the SHA-256 hash of its bytes, so a document pinned
// in a client configuration cannot be swapped by whoever operates the
// backend. Every Fetch re-hashes what it returns and fails with
// interfaces.ErrContentMismatch on a mismatch.
//
// # Backend URIs
//
//	file:///var/lib/attested-lookup/
//	s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix/?region=us-west-2&endpoint=minio:9000
//	ipfs://127.0.0.1:5001/?root=/attested-lookup
//	github://owner/repo/?ref=main
//	vault://vault.example.com:8200/secret/attested-lookup?tls=true
//
// Policy documents and root bundles live in separate namespaces ("policy"
// and "roots") within each backend.
//
// # Redundancy
//
// MultiStorageBackend tries backends in order on Fetch and writes to all
// available backends on Store. StorageBackendFactory.CreateMultiBackend
// builds one from a list of URIs, skipping the ones that fail to parse.
package storage
