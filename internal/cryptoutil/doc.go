// Package cryptoutil verifies suspicion policy documents fetched from S3
// before they are allowed anywhere near the gate.
//
// A policy is pinned by the hex SHA-256 published in SSM, and may carry a
// detached signature produced by an AWS KMS asymmetric key. Verification is
// local: the KMS public key is fetched once and cached.
//
// Supported keys: ECDSA P-256 (SHA-256), ECDSA P-384 (SHA-384) and RSA with
// PSS over SHA-256. RSA PKCS#1 v1.5 is accepted only when explicitly enabled.
package cryptoutil
