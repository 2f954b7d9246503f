// Package minio provides a reportsink.Sink implementation using the MinIO
// client.
//
// MinIO is a high-performance, S3-compatible object storage system. This
// package uses the official MinIO Go client library for compatibility with
// MinIO and other S3-compatible storage systems like Ceph, SeaweedFS, and
// Garage, the usual crash-report destinations in air-gapped fleets where
// AWS endpoints are unreachable.
//
// # Basic Usage
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
//	    Secure: false,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	sink := miniosink.NewStore(client, "crash-reports", "fleet-a/")
//	rt, err := memsan.New(memsan.WithReportSink(sink))
//
// # Features
//
//   - Works with any S3-compatible storage (Ceph, Garage, SeaweedFS)
//   - Streaming uploads for large heap snapshots
//   - Air-gap friendly (no AWS dependencies required)
package minio
