// Package policysync keeps the suspicion policy in step with the release
// pointer published in SSM.
//
// An SSM parameter holds the hex SHA-256 of the active policy document. The
// document itself lives in S3 at <prefix>/<sha256>.yaml, with an optional
// detached KMS signature at <prefix>/<sha256>.yaml.sig. A document is only
// swapped into the classifier after its hash matches the pointer, its
// signature verifies (when a verifier is configured) and it compiles.
//
// A document that fails any of those checks is logged and counted, and the
// previous policy stays in place.
package policysync
