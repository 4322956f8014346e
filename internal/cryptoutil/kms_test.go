package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
)

const testKeyID = "arn:aws:kms:us-east-2:000000000000:key/policy-signing"

var message = []byte("version: builtin-2\npath_patterns: ['wp-admin']\n")

type fakeKMS struct {
	der   []byte
	usage kmstypes.KeyUsageType
	err   error
	calls int
}

func (f *fakeKMS) GetPublicKey(_ context.Context, in *kms.GetPublicKeyInput, _ ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &kms.GetPublicKeyOutput{KeyId: in.KeyId, PublicKey: f.der, KeyUsage: f.usage}, nil
}

func fakeFor(t *testing.T, pub crypto.PublicKey) *fakeKMS {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return &fakeKMS{der: der, usage: kmstypes.KeyUsageTypeSignVerify}
}

func ecKey(t *testing.T, c elliptic.Curve) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(c, rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k
}

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k
}

func TestVerify_ECDSA(t *testing.T) {
	p256 := ecKey(t, elliptic.P256())
	d256 := sha256.Sum256(message)
	sig256, _ := ecdsa.SignASN1(rand.Reader, p256, d256[:])

	p384 := ecKey(t, elliptic.P384())
	d384 := sha512.Sum384(message)
	sig384, _ := ecdsa.SignASN1(rand.Reader, p384, d384[:])

	tests := []struct {
		name string
		key  *ecdsa.PrivateKey
		sig  []byte
		msg  []byte
		ok   bool
	}{
		{"p256 valid", p256, sig256, message, true},
		{"p384 valid", p384, sig384, message, true},
		{"p256 tampered message", p256, sig256, []byte("version: evil"), false},
		{"p384 wrong key", p256, sig384, message, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewKMSVerifier(fakeFor(t, &tt.key.PublicKey), testKeyID)
			err := v.Verify(t.Context(), tt.msg, tt.sig)
			if (err == nil) != tt.ok {
				t.Fatalf("Verify err = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestVerify_RSA(t *testing.T) {
	key := rsaKey(t)
	digest := sha256.Sum256(message)
	pss, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], nil)
	if err != nil {
		t.Fatalf("sign pss: %v", err)
	}
	pkcs, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign pkcs1v15: %v", err)
	}

	strict := NewKMSVerifier(nil, testKeyID, WithPublicKey(&key.PublicKey))
	lenient := NewKMSVerifier(nil, testKeyID, WithPublicKey(&key.PublicKey), WithPKCS1v15())

	if err := strict.Verify(t.Context(), message, pss); err != nil {
		t.Fatalf("pss: %v", err)
	}
	if err := strict.Verify(t.Context(), message, pkcs); err == nil {
		t.Fatal("pkcs1v15 accepted without WithPKCS1v15")
	}
	if err := lenient.Verify(t.Context(), message, pkcs); err != nil {
		t.Fatalf("pkcs1v15 with fallback: %v", err)
	}
	if err := lenient.Verify(t.Context(), []byte("other"), pkcs); err == nil {
		t.Fatal("tampered message accepted")
	}
}

func TestVerify_EmptySignature(t *testing.T) {
	f := &fakeKMS{}
	v := NewKMSVerifier(f, testKeyID)
	if err := v.Verify(t.Context(), message, nil); err == nil {
		t.Fatal("expected error")
	}
	if f.calls != 0 {
		t.Fatalf("kms called %d times for an empty signature", f.calls)
	}
}

func TestVerify_UnsupportedKey(t *testing.T) {
	v := NewKMSVerifier(nil, testKeyID, WithPublicKey("not-a-key"))
	if err := v.Verify(t.Context(), message, []byte("sig")); err == nil {
		t.Fatal("expected error")
	}
}

func TestPublicKey_FetchedOnce(t *testing.T) {
	key := ecKey(t, elliptic.P256())
	f := fakeFor(t, &key.PublicKey)
	v := NewKMSVerifier(f, testKeyID)

	for i := 0; i < 3; i++ {
		if _, err := v.PublicKey(t.Context()); err != nil {
			t.Fatalf("PublicKey: %v", err)
		}
	}
	if f.calls != 1 {
		t.Fatalf("GetPublicKey calls = %d, want 1", f.calls)
	}
}

func TestPublicKey_Errors(t *testing.T) {
	key := ecKey(t, elliptic.P256())

	wrongUsage := fakeFor(t, &key.PublicKey)
	wrongUsage.usage = kmstypes.KeyUsageTypeEncryptDecrypt

	tests := map[string]PublicKeyFetcher{
		"nil client":  nil,
		"kms error":   &fakeKMS{err: errors.New("AccessDeniedException")},
		"wrong usage": wrongUsage,
		"bad der":     &fakeKMS{der: []byte("junk"), usage: kmstypes.KeyUsageTypeSignVerify},
	}
	for name, client := range tests {
		t.Run(name, func(t *testing.T) {
			v := NewKMSVerifier(client, testKeyID)
			if _, err := v.PublicKey(t.Context()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestPublicKey_FailureNotCached(t *testing.T) {
	key := ecKey(t, elliptic.P256())
	f := fakeFor(t, &key.PublicKey)
	f.err = errors.New("throttled")
	v := NewKMSVerifier(f, testKeyID)

	if _, err := v.PublicKey(t.Context()); err == nil {
		t.Fatal("expected error")
	}
	f.err = nil
	if _, err := v.PublicKey(t.Context()); err != nil {
		t.Fatalf("retry after transient failure: %v", err)
	}
}
