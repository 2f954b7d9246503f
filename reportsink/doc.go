// Package reportsink persists crash reports and heap snapshots outside the
// crashing process.
//
// A Sink receives the finished artifact as a byte payload. The runtime calls
// it at report time, after the report text is fully assembled and before the
// process exits, and from explicit snapshot uploads. Implementations must be
// safe for concurrent use.
//
// # Built-in Implementations
//
//   - Dir: local directory, atomic rename so readers never see a torn payload
//   - Memory: in-memory, for tests
//   - s3.Store: Amazon S3 multipart uploads, optional DynamoDB dedup index
//   - minio.Store: MinIO and other S3-compatible storage, air-gap friendly
//
// # Compression
//
// Wrap any sink in LZ4 to compress payloads as lz4 frames:
//
//	sink, err := reportsink.NewDir("/var/crash")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	rt, err := memsan.New(memsan.WithReportSink(reportsink.NewLZ4(sink)))
//
// Frames are self-contained, so the files decompress with the stock lz4
// command-line tool.
//
// # Streaming
//
// Sinks that also implement Streamer accept incremental writes for payloads
// too large to buffer, such as full heap snapshots. The write only becomes
// visible once Close returns nil.
package reportsink
