package policysync

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/maplecatch/maplecatch-web/internal/cryptoutil"
	"github.com/maplecatch/maplecatch-web/internal/log"
	"github.com/maplecatch/maplecatch-web/internal/suspicion"
	"github.com/maplecatch/maplecatch-web/internal/xerrors"
)

// DefaultMaxPolicyBytes bounds a policy download. Real policies are a few KB.
const DefaultMaxPolicyBytes = 256 << 10

// SSMAPI is the slice of the SSM client the loader uses.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// S3API is the slice of the S3 client the loader uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type LoaderOptions struct {
	Logger log.Logger

	// SSMParam holds the hex SHA-256 of the active policy.
	SSMParam string

	// Policies live at s3://{S3Bucket}/{S3Prefix}/{sha256}.yaml
	S3Bucket string
	S3Prefix string

	// Verifier checks the detached .sig object. Nil skips signature checks.
	Verifier cryptoutil.Verifier
	// RequireSignature rejects documents without a .sig object. Ignored
	// without a Verifier.
	RequireSignature bool

	// MaxPolicyBytes defaults to DefaultMaxPolicyBytes.
	MaxPolicyBytes int64
}

// Snapshot is a verified, compiled policy.
type Snapshot struct {
	Matcher  *suspicion.Matcher
	SHA256   string
	Version  string
	Signed   bool
	LoadedAt time.Time
}

type Loader struct {
	opts   LoaderOptions
	ssm    SSMAPI
	s3     S3API
	logger log.Logger
}

func NewLoader(ssmClient SSMAPI, s3Client S3API, opts LoaderOptions) (*Loader, error) {
	if opts.SSMParam == "" {
		return nil, xerrors.New("SSMParam is required")
	}
	if opts.S3Bucket == "" {
		return nil, xerrors.New("S3Bucket is required")
	}
	if ssmClient == nil || s3Client == nil {
		return nil, xerrors.New("ssm and s3 clients are required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxPolicyBytes <= 0 {
		opts.MaxPolicyBytes = DefaultMaxPolicyBytes
	}
	opts.S3Prefix = strings.Trim(opts.S3Prefix, "/")
	return &Loader{opts: opts, ssm: ssmClient, s3: s3Client, logger: opts.Logger}, nil
}

// NewAWSLoader builds a loader on the default AWS credential chain. A
// non-empty signingKeyARN installs a KMS verifier and makes signatures
// mandatory.
func NewAWSLoader(ctx context.Context, opts LoaderOptions, signingKeyARN string) (*Loader, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, xerrors.Wrap(err, "load AWS config")
	}
	if signingKeyARN != "" {
		opts.Verifier = cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), signingKeyARN)
		opts.RequireSignature = true
	}
	return NewLoader(ssm.NewFromConfig(awsCfg), s3.NewFromConfig(awsCfg), opts)
}

// CurrentHash reads the policy pointer from SSM.
func (l *Loader) CurrentHash(ctx context.Context) (string, error) {
	out, err := l.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(l.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", l.opts.SSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", l.opts.SSMParam)
	}
	hash := strings.ToLower(strings.TrimSpace(*out.Parameter.Value))
	if !cryptoutil.ValidSHA256Hex(hash) {
		return "", xerrors.Newf("SSM parameter %s is not a sha256 hex digest", l.opts.SSMParam)
	}
	return hash, nil
}

func (l *Loader) objectKey(hash string) string {
	if l.opts.S3Prefix == "" {
		return hash + ".yaml"
	}
	return l.opts.S3Prefix + "/" + hash + ".yaml"
}

// Fetch downloads, verifies and compiles the policy pinned by hash.
func (l *Loader) Fetch(ctx context.Context, hash string) (*Snapshot, error) {
	if !cryptoutil.ValidSHA256Hex(hash) {
		return nil, xerrors.Newf("invalid policy hash %q", hash)
	}
	key := l.objectKey(hash)

	data, err := l.get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !cryptoutil.DigestMatches(data, hash) {
		return nil, xerrors.Newf("checksum mismatch for s3://%s/%s: got %s", l.opts.S3Bucket, key, cryptoutil.SHA256Hex(data))
	}

	signed, err := l.verify(ctx, key, data)
	if err != nil {
		return nil, err
	}

	p, err := suspicion.Parse(data)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse policy %s", key)
	}
	m, err := suspicion.Compile(p)
	if err != nil {
		return nil, xerrors.Wrapf(err, "compile policy %s", key)
	}

	l.logger.Info(ctx, "policy fetched",
		"key", key,
		"version", p.Version,
		"signed", signed,
		"bytes", len(data),
	)
	return &Snapshot{
		Matcher:  m,
		SHA256:   hash,
		Version:  p.Version,
		Signed:   signed,
		LoadedAt: time.Now().UTC(),
	}, nil
}

// verify checks the detached signature. signed reports whether one was
// present and verified.
func (l *Loader) verify(ctx context.Context, key string, data []byte) (signed bool, err error) {
	if l.opts.Verifier == nil {
		return false, nil
	}
	sig, err := l.get(ctx, key+".sig")
	if isNotFound(err) {
		if l.opts.RequireSignature {
			return false, xerrors.Newf("policy %s is unsigned", key)
		}
		l.logger.Warn(ctx, "policy has no signature, accepting on hash alone", "key", key)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := l.opts.Verifier.Verify(ctx, data, sig); err != nil {
		return false, xerrors.Wrapf(err, "verify signature for %s", key)
	}
	return true, nil
}

func (l *Loader) get(ctx context.Context, key string) ([]byte, error) {
	out, err := l.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.opts.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", l.opts.S3Bucket, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, l.opts.MaxPolicyBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read S3 object %s", key)
	}
	if int64(len(data)) > l.opts.MaxPolicyBytes {
		return nil, xerrors.Newf("S3 object %s exceeds %d bytes", key, l.opts.MaxPolicyBytes)
	}
	return data, nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func truncHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
