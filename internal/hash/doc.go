// Package hash provides the hashing utilities used when reports and heap
// snapshots leave the process.
//
// # CRC32-Castagnoli (CRC32C)
//
// Transfer checksums use CRC32-Castagnoli (CRC32C):
//
//   - Hardware acceleration on x86 (SSE4.2) and ARM (CRC extension)
//   - Superior error detection compared to CRC32-IEEE
//   - The checksum format S3 validates server-side
//
// For one-shot checksums:
//
//	checksum := hash.CRC32C(payload)
//
// For streaming checksums:
//
//	h := hash.NewCRC32C()
//	h.Write(chunk1)
//	h.Write(chunk2)
//	checksum := h.Sum32()
//
// # Fingerprints
//
// Report identity uses SHA-256. Fingerprint returns a hex digest suitable
// as a deduplication key: identical crash reports from separate runs hash
// to the same value, so a fleet uploads each distinct failure once.
package hash
