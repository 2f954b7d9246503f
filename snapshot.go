package memsan

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/memsan/reportsink"
	"github.com/hupe1980/memsan/resource"
)

// Snapshot wire format: magic, version, geometry, then one length-prefixed
// roaring bitmap per size class and one for the large-object zone.
var snapshotMagic = [4]byte{'m', 's', 'n', 'p'}

const snapshotVersion = 1

// reportUploadTimeout bounds the sink write that runs while the process is
// dying after a report.
const reportUploadTimeout = 10 * time.Second

// WriteTo serializes the snapshot. The format is stable across runs of the
// same binary; ReadHeapSnapshot restores it.
func (s *HeapSnapshot) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.Write(snapshotMagic[:])
	buf.WriteByte(snapshotVersion)

	var u64 [8]byte
	writeU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(u64[:], v)
		buf.Write(u64[:])
	}
	writeU64(uint64(s.primBeg))
	writeU64(uint64(s.regionSize))
	writeU64(uint64(s.secBeg))
	writeU64(uint64(s.pageSize))
	writeU64(s.objects)
	writeU64(uint64(s.bytes))
	writeU64(uint64(s.taken.UnixNano()))

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(s.classes)))
	buf.Write(u32[:])
	for _, size := range s.classSizes {
		writeU64(uint64(size))
	}

	writeBitmap := func(bm *roaring.Bitmap) error {
		var tmp bytes.Buffer
		if _, err := bm.WriteTo(&tmp); err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(u32[:], uint32(tmp.Len()))
		buf.Write(u32[:])
		buf.Write(tmp.Bytes())
		return nil
	}
	for _, bm := range s.classes {
		if err := writeBitmap(bm); err != nil {
			return 0, err
		}
	}
	if err := writeBitmap(s.secondary); err != nil {
		return 0, err
	}

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// ReadHeapSnapshot restores a snapshot serialized by WriteTo.
func ReadHeapSnapshot(rd io.Reader) (*HeapSnapshot, error) {
	var head [5]byte
	if _, err := io.ReadFull(rd, head[:]); err != nil {
		return nil, fmt.Errorf("heap snapshot: read header: %w", err)
	}
	if !bytes.Equal(head[:4], snapshotMagic[:]) {
		return nil, fmt.Errorf("heap snapshot: bad magic %q", head[:4])
	}
	if head[4] != snapshotVersion {
		return nil, fmt.Errorf("heap snapshot: unsupported version %d", head[4])
	}

	var u64 [8]byte
	readU64 := func() (uint64, error) {
		if _, err := io.ReadFull(rd, u64[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(u64[:]), nil
	}

	s := &HeapSnapshot{}
	fields := []*uintptr{&s.primBeg, &s.regionSize, &s.secBeg, &s.pageSize}
	for _, f := range fields {
		v, err := readU64()
		if err != nil {
			return nil, fmt.Errorf("heap snapshot: read geometry: %w", err)
		}
		*f = uintptr(v)
	}
	var err error
	if s.objects, err = readU64(); err != nil {
		return nil, fmt.Errorf("heap snapshot: read totals: %w", err)
	}
	v, err := readU64()
	if err != nil {
		return nil, fmt.Errorf("heap snapshot: read totals: %w", err)
	}
	s.bytes = uintptr(v)
	if v, err = readU64(); err != nil {
		return nil, fmt.Errorf("heap snapshot: read timestamp: %w", err)
	}
	s.taken = time.Unix(0, int64(v))

	var u32 [4]byte
	if _, err := io.ReadFull(rd, u32[:]); err != nil {
		return nil, fmt.Errorf("heap snapshot: read class count: %w", err)
	}
	numClasses := binary.LittleEndian.Uint32(u32[:])
	const maxClasses = 4096
	if numClasses > maxClasses {
		return nil, fmt.Errorf("heap snapshot: implausible class count %d", numClasses)
	}

	s.classSizes = make([]uintptr, numClasses)
	for i := range s.classSizes {
		v, err := readU64()
		if err != nil {
			return nil, fmt.Errorf("heap snapshot: read class sizes: %w", err)
		}
		s.classSizes[i] = uintptr(v)
	}

	readBitmap := func() (*roaring.Bitmap, error) {
		if _, err := io.ReadFull(rd, u32[:]); err != nil {
			return nil, err
		}
		n := binary.LittleEndian.Uint32(u32[:])
		raw := make([]byte, n)
		if _, err := io.ReadFull(rd, raw); err != nil {
			return nil, err
		}
		bm := roaring.New()
		if _, err := bm.ReadFrom(bytes.NewReader(raw)); err != nil {
			return nil, err
		}
		return bm, nil
	}
	s.classes = make([]*roaring.Bitmap, numClasses)
	for i := range s.classes {
		if s.classes[i], err = readBitmap(); err != nil {
			return nil, fmt.Errorf("heap snapshot: read class bitmap %d: %w", i, err)
		}
	}
	if s.secondary, err = readBitmap(); err != nil {
		return nil, fmt.Errorf("heap snapshot: read large-object bitmap: %w", err)
	}
	return s, nil
}

// UploadHeapSnapshot serializes s and persists it under name through the
// configured report sink, holding an upload slot and honoring the pacing
// budget. A nil s uploads a fresh LiveSnapshot.
func (r *Runtime) UploadHeapSnapshot(ctx context.Context, name string, s *HeapSnapshot) error {
	if r.sink == nil {
		return ErrNoReportSink
	}
	if s == nil {
		s = r.LiveSnapshot()
	}

	var buf bytes.Buffer
	if _, err := s.WriteTo(&buf); err != nil {
		return fmt.Errorf("serialize heap snapshot: %w", err)
	}

	if err := r.rc.AcquireUploadSlot(ctx); err != nil {
		return err
	}
	defer r.rc.ReleaseUploadSlot()

	var err error
	if st, ok := r.sink.(reportsink.Streamer); ok {
		err = streamPayload(ctx, st, name, buf.Bytes(), r.rc)
	} else {
		if err = r.rc.AcquireUpload(ctx, buf.Len()); err == nil {
			err = r.sink.Put(ctx, name, buf.Bytes())
		}
	}
	if errors.Is(err, reportsink.ErrDuplicate) {
		err = nil
	}
	r.logger.LogSnapshotUpload(ctx, name, int64(buf.Len()), err)
	return err
}

func streamPayload(ctx context.Context, st reportsink.Streamer, name string, payload []byte, rc *resource.Controller) error {
	wc, err := st.Create(ctx, name)
	if err != nil {
		return err
	}
	pw := resource.NewPacedWriter(ctx, wc, rc)
	if _, err := pw.Write(payload); err != nil {
		_ = wc.Close()
		return err
	}
	return wc.Close()
}

// persistReport is the report engine's OnReport hook. It flushes the event
// log so the record of the dying process is on disk, then pushes the report
// text to the sink. Failures are logged, never fatal; the report already
// went to the report writer.
func (r *Runtime) persistReport(text []byte) {
	if r.events != nil {
		_ = r.events.Flush()
	}
	if r.sink == nil {
		return
	}
	name := fmt.Sprintf("memsan-report-%d-%d.txt", os.Getpid(), time.Now().UnixNano())
	ctx, cancel := context.WithTimeout(context.Background(), reportUploadTimeout)
	defer cancel()
	err := r.sink.Put(ctx, name, text)
	if errors.Is(err, reportsink.ErrDuplicate) {
		err = nil
	}
	r.logger.LogReportPersisted(name, len(text), err)
}
