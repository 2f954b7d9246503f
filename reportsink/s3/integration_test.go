package s3

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_S3Sink(t *testing.T) {
	bucket := os.Getenv("MEMSAN_S3_BUCKET")
	if bucket == "" {
		t.Skip("Skipping S3 integration test: MEMSAN_S3_BUCKET not set")
	}

	ctx := context.Background()

	// Unique prefix per run. The sink is append-only, so the bucket used
	// for test runs should carry a lifecycle expiry rule.
	prefix := fmt.Sprintf("test-memsan-%d/", time.Now().UnixNano())
	store, err := New(ctx, bucket, WithPrefix(prefix))
	require.NoError(t, err)

	payload := []byte("==1== ERROR: memsan heap-buffer-overflow\nABORTING\n")
	require.NoError(t, store.Put(ctx, "report.txt", payload))

	ok, err := store.Exists(ctx, "report.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Exists(ctx, "missing.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	w, err := store.Create(ctx, "heap.bin")
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	ok, err = store.Exists(ctx, "heap.bin")
	require.NoError(t, err)
	assert.True(t, ok)
}
