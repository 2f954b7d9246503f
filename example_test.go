package memsan_test

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/hupe1980/memsan"
	"github.com/hupe1980/memsan/reportsink"
)

func Example() {
	rt, err := memsan.New()
	if err != nil {
		log.Fatal(err)
	}
	defer rt.Close()

	p := rt.Malloc(16)
	copy(rt.Bytes(p, 16), "hello")

	rt.CheckRead(p, 5)
	fmt.Println(string(rt.Bytes(p, 5)))

	rt.Free(p)
	// Output: hello
}

func Example_overflowReport() {
	var report bytes.Buffer
	rt, err := memsan.New(
		memsan.WithReportWriter(&report),
		memsan.WithExitFunc(func(code int) {}), // keep the example alive
	)
	if err != nil {
		log.Fatal(err)
	}
	defer rt.Close()

	p := rt.Malloc(10)
	rt.CheckRead(p+10, 1) // one byte past the end

	fmt.Println(strings.Contains(report.String(), "heap-buffer-overflow"))
	// Output: true
}

func Example_useAfterFree() {
	var report bytes.Buffer
	rt, err := memsan.New(
		memsan.WithReportWriter(&report),
		memsan.WithExitFunc(func(code int) {}),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer rt.Close()

	p := rt.Malloc(32)
	rt.Free(p)
	rt.CheckWrite(p, 1)

	fmt.Println(strings.Contains(report.String(), "heap-use-after-free"))
	// Output: true
}

func Example_stats() {
	rt, err := memsan.New()
	if err != nil {
		log.Fatal(err)
	}
	defer rt.Close()

	p := rt.Malloc(100)
	st := rt.GetStats()
	fmt.Println(st.MallocCount, st.LiveBytes)

	rt.Free(p)
	// Output: 1 100
}

func Example_leakCheck() {
	rt, err := memsan.New()
	if err != nil {
		log.Fatal(err)
	}
	defer rt.Close()

	for i := 0; i < 2; i++ {
		rt.Malloc(50) // never freed
	}

	leaks := rt.CheckLeaks()
	fmt.Println(len(leaks), leaks[0].Objects)
	// Output: 1 2
}

func Example_snapshotUpload() {
	sink := reportsink.NewMemory()
	rt, err := memsan.New(memsan.WithReportSink(sink))
	if err != nil {
		log.Fatal(err)
	}
	defer rt.Close()

	rt.Malloc(100)
	if err := rt.UploadHeapSnapshot(context.Background(), "heap.snap", nil); err != nil {
		log.Fatal(err)
	}

	fmt.Println(sink.Len())
	// Output: 1
}
