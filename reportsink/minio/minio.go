package minio

import (
	"bytes"
	"context"
	"io"
	"path"
	"sync/atomic"

	"github.com/minio/minio-go/v7"
)

// Store implements reportsink.Sink for MinIO and S3-compatible storage.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewStore creates a new MinIO sink.
// bucket is the MinIO bucket name.
// rootPrefix is prepended to all keys (e.g. "fleet-a/").
func NewStore(client *minio.Client, bucket, rootPrefix string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: rootPrefix,
	}
}

func (s *Store) key(name string) string {
	return path.Join(s.prefix, name)
}

// Put writes payload under name.
func (s *Store) Put(ctx context.Context, name string, payload []byte) error {
	key := s.key(name)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{})
	return err
}

// Create opens a streaming upload to name. The object only becomes
// visible once Close returns nil.
func (s *Store) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	key := s.key(name)
	pr, pw := io.Pipe()

	blob := &streamingUpload{
		pw:   pw,
		done: make(chan error, 1),
	}

	// Start upload in background; size -1 streams without a length.
	go func() {
		_, err := s.client.PutObject(ctx, s.bucket, key, pr, -1, minio.PutObjectOptions{})
		_ = pr.CloseWithError(err)
		blob.done <- err
	}()

	return blob, nil
}

// Exists reports whether an object is already stored under name.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.key(name), minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// streamingUpload implements io.WriteCloser over a background upload.
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
