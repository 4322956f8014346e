package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/maplecatch/maplecatch-web/internal/xerrors"
)

// Verifier checks a detached signature over message.
type Verifier interface {
	Verify(ctx context.Context, message, signature []byte) error
}

// PublicKeyFetcher is the slice of the KMS API the verifier uses.
type PublicKeyFetcher interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSVerifier verifies signatures locally against a cached KMS public key.
type KMSVerifier struct {
	client PublicKeyFetcher
	keyID  string

	allowPKCS1v15 bool

	mu  sync.Mutex
	pub crypto.PublicKey
}

type KMSOption func(*KMSVerifier)

// WithPKCS1v15 also accepts RSA PKCS#1 v1.5 signatures when PSS fails.
func WithPKCS1v15() KMSOption {
	return func(v *KMSVerifier) { v.allowPKCS1v15 = true }
}

// WithPublicKey seeds the cache, skipping the KMS call.
func WithPublicKey(pub crypto.PublicKey) KMSOption {
	return func(v *KMSVerifier) { v.pub = pub }
}

func NewKMSVerifier(client PublicKeyFetcher, keyID string, opts ...KMSOption) *KMSVerifier {
	v := &KMSVerifier{client: client, keyID: keyID}
	for _, o := range opts {
		o(v)
	}
	return v
}

// PublicKey returns the cached key, fetching it on first use. A failed fetch
// is not cached.
func (v *KMSVerifier) PublicKey(ctx context.Context) (crypto.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pub != nil {
		return v.pub, nil
	}
	if v.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}

	out, err := v.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(v.keyID)})
	if err != nil {
		return nil, xerrors.Wrapf(err, "kms get public key %s", v.keyID)
	}
	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return nil, xerrors.Newf("kms key %s has usage %s, want SIGN_VERIFY", v.keyID, out.KeyUsage)
	}
	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse kms public key")
	}
	v.pub = pub
	return pub, nil
}

func (v *KMSVerifier) Verify(ctx context.Context, message, signature []byte) error {
	if len(signature) == 0 {
		return xerrors.New("empty signature")
	}
	pub, err := v.PublicKey(ctx)
	if err != nil {
		return err
	}
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		return verifyECDSA(key, message, signature)
	case *rsa.PublicKey:
		return verifyRSA(key, message, signature, v.allowPKCS1v15)
	default:
		return xerrors.Newf("unsupported public key type %T", pub)
	}
}

func verifyECDSA(key *ecdsa.PublicKey, message, signature []byte) error {
	var digest []byte
	switch key.Curve {
	case elliptic.P256():
		d := sha256.Sum256(message)
		digest = d[:]
	case elliptic.P384():
		d := sha512.Sum384(message)
		digest = d[:]
	default:
		return xerrors.Newf("unsupported ECDSA curve %s", key.Curve.Params().Name)
	}
	if !ecdsa.VerifyASN1(key, digest, signature) {
		return xerrors.Newf("ECDSA %s signature mismatch", key.Curve.Params().Name)
	}
	return nil
}

func verifyRSA(key *rsa.PublicKey, message, signature []byte, allowPKCS1v15 bool) error {
	digest := sha256.Sum256(message)
	err := rsa.VerifyPSS(key, crypto.SHA256, digest[:], signature, nil)
	if err == nil {
		return nil
	}
	if !allowPKCS1v15 {
		return xerrors.Wrap(err, "RSA-PSS signature mismatch")
	}
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], signature); err != nil {
		return xerrors.Wrap(err, "RSA signature mismatch")
	}
	return nil
}
