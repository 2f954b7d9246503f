// Package s3 provides an Amazon S3 implementation of the reportsink.Sink
// interface.
//
// # Usage
//
//	sink, err := s3.New(ctx, "crash-reports",
//	    s3.WithPrefix("fleet-a/"),
//	    s3.WithRegion("us-east-1"),
//	)
//
//	rt, err := memsan.New(memsan.WithReportSink(sink))
//
// # Features
//
//   - Multipart uploads for large heap snapshots
//   - CRC32C integrity validation on every object
//   - Optional DynamoDB fingerprint index so each distinct report uploads
//     once fleet-wide
//   - Configurable prefix for multi-tenant isolation
//
// The sink is append-only on purpose: a crashing process gets to add
// evidence, never to remove it. Expire old artifacts with a bucket
// lifecycle rule instead.
package s3
