package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC32C(t *testing.T) {
	// Standard check value for the Castagnoli polynomial.
	assert.Equal(t, uint32(0xe3069283), CRC32C([]byte("123456789")))

	h := NewCRC32C()
	_, _ = h.Write([]byte("12345"))
	_, _ = h.Write([]byte("6789"))
	assert.Equal(t, uint32(0xe3069283), h.Sum32())
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte("heap-buffer-overflow at 0x1000"))
	b := Fingerprint([]byte("heap-buffer-overflow at 0x2000"))

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, Fingerprint([]byte("heap-buffer-overflow at 0x1000")))

	// SHA-256 of the empty payload, hex-encoded.
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Fingerprint(nil))
}
