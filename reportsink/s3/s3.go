package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hupe1980/memsan/internal/hash"
	"github.com/hupe1980/memsan/reportsink"
)

// Client is the subset of the Amazon S3 API the sink uses. *s3.Client
// satisfies it; tests substitute a fake.
type Client interface {
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Options configures the S3 sink.
type Options struct {
	// Prefix is prepended to all object keys (e.g. "fleet-a/").
	Prefix string

	// Region overrides the AWS region resolved from the environment.
	// Only consulted by New; NewStore takes a ready client.
	Region string

	// Upload tunes the uploader. Zero fields fall back to
	// DefaultUploadConfig values.
	Upload UploadConfig

	// FingerprintTable enables first-seen deduplication through the named
	// DynamoDB table.
	FingerprintTable string

	// DDB is the DynamoDB client for the fingerprint index. New fills it
	// from the loaded AWS config when left nil.
	DDB DDBClient
}

// DefaultOptions are the default options for the S3 sink.
var DefaultOptions = Options{
	Upload: DefaultUploadConfig(),
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) func(o *Options) {
	return func(o *Options) {
		o.Prefix = prefix
	}
}

// WithRegion sets the AWS region.
func WithRegion(region string) func(o *Options) {
	return func(o *Options) {
		o.Region = region
	}
}

// WithUploadConfig sets the uploader tuning.
func WithUploadConfig(cfg UploadConfig) func(o *Options) {
	return func(o *Options) {
		o.Upload = cfg
	}
}

// WithFingerprintTable enables deduplication through the named DynamoDB
// table.
func WithFingerprintTable(table string) func(o *Options) {
	return func(o *Options) {
		o.FingerprintTable = table
	}
}

// WithDDBClient sets the DynamoDB client for the fingerprint index.
func WithDDBClient(client DDBClient) func(o *Options) {
	return func(o *Options) {
		o.DDB = client
	}
}

// Store implements reportsink.Sink on Amazon S3.
type Store struct {
	client   Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	cfg      UploadConfig
	index    *FingerprintIndex
}

// New creates an S3 sink from the ambient AWS configuration (environment,
// shared config files, instance metadata).
func New(ctx context.Context, bucket string, optFns ...func(o *Options)) (*Store, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if opts.FingerprintTable != "" && opts.DDB == nil {
		opts.DDB = dynamodb.NewFromConfig(awsCfg)
	}

	return newStore(s3.NewFromConfig(awsCfg), bucket, opts), nil
}

// NewStore creates an S3 sink around an existing client.
// rootPrefix is prepended to all keys (e.g. "fleet-a/").
func NewStore(client Client, bucket, rootPrefix string, optFns ...func(o *Options)) *Store {
	opts := DefaultOptions
	opts.Prefix = rootPrefix
	for _, fn := range optFns {
		fn(&opts)
	}
	return newStore(client, bucket, opts)
}

func newStore(client Client, bucket string, opts Options) *Store {
	def := DefaultUploadConfig()
	if opts.Upload.PartSize <= 0 {
		opts.Upload.PartSize = def.PartSize
	}
	if opts.Upload.Concurrency <= 0 {
		opts.Upload.Concurrency = def.Concurrency
	}

	s := &Store{
		client:   client,
		uploader: newUploader(client, opts.Upload),
		bucket:   bucket,
		prefix:   opts.Prefix,
		cfg:      opts.Upload,
	}
	if opts.FingerprintTable != "" && opts.DDB != nil {
		s.index = NewFingerprintIndex(opts.DDB, opts.FingerprintTable)
	}
	return s
}

func (s *Store) key(name string) string {
	return path.Join(s.prefix, name)
}

// Put writes payload under name. With a fingerprint index configured, a
// payload whose digest is already recorded returns reportsink.ErrDuplicate
// without touching S3 again.
func (s *Store) Put(ctx context.Context, name string, payload []byte) error {
	key := s.key(name)

	if s.index != nil {
		added, err := s.index.Add(ctx, hash.Fingerprint(payload), key, len(payload))
		if err != nil {
			return err
		}
		if !added {
			return reportsink.ErrDuplicate
		}
	}

	if int64(len(payload)) <= s.cfg.PartSize {
		return s.putSmall(ctx, key, payload)
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(payload),
	}
	if s.cfg.EnableChecksum {
		input.ChecksumAlgorithm = types.ChecksumAlgorithmCrc32c
	}

	_, err := s.uploader.Upload(ctx, input)
	return err
}

// Create opens a streaming upload to name. The payload is not hashed, so
// streamed artifacts bypass the fingerprint index.
func (s *Store) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	key := s.key(name)
	pr, pw := io.Pipe()

	blob := &streamingUpload{
		pw:   pw,
		done: make(chan error, 1),
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   pr,
	}
	if s.cfg.EnableChecksum {
		input.ChecksumAlgorithm = types.ChecksumAlgorithmCrc32c
	}

	// Upload in the background; Close surfaces the result.
	go func() {
		_, err := s.uploader.Upload(ctx, input)
		_ = pr.CloseWithError(err)
		blob.done <- err
	}()

	return blob, nil
}

// Exists reports whether an object is already stored under name.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Index returns the fingerprint index, or nil when deduplication is off.
func (s *Store) Index() *FingerprintIndex {
	return s.index
}

// streamingUpload pipes writes into a background uploader goroutine.
type streamingUpload struct {
	pw     *io.PipeWriter
	done   chan error
	closed atomic.Bool
}

func (b *streamingUpload) Write(p []byte) (int, error) {
	if b.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	return b.pw.Write(p)
}

func (b *streamingUpload) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return io.ErrClosedPipe
	}
	if err := b.pw.Close(); err != nil {
		return err
	}
	return <-b.done
}
