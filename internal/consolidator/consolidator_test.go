package consolidator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zip"
	"github.com/shopspring/decimal"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"depthflow/internal/metrics"
	"depthflow/internal/models"
	"depthflow/internal/workers"
	"depthflow/internal/writer"
)

const testDate = "2024-03-01"

type inlinePool struct {
	mu    sync.Mutex
	tasks []string
}

func (p *inlinePool) Submit(ctx context.Context, t workers.Task) error {
	p.mu.Lock()
	p.tasks = append(p.tasks, t.Name)
	p.mu.Unlock()
	return t.Run(ctx)
}

type recordingUploader struct {
	keys []string
	err  error
}

func (u *recordingUploader) Upload(ctx context.Context, symbol, date, path string) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	key := symbol + "/" + date + "/" + filepath.Base(path)
	u.keys = append(u.keys, key)
	return key, nil
}

func update(seq uint64, minute int) models.DepthUpdate {
	ts := time.Date(2024, 3, 1, 10, minute, 0, 0, time.UTC).UnixMilli()
	return models.DepthUpdate{
		Symbol:        "BTCUSDT",
		EventTime:     ts,
		ReceivedTime:  ts + 5,
		FinalUpdateID: int64(seq),
		Sequence:      seq,
		Bids:          []models.PriceLevel{{Price: decimal.RequireFromString("100.1"), Quantity: decimal.RequireFromString("2")}},
		Asks: []models.PriceLevel{
			{Price: decimal.RequireFromString("100.2"), Quantity: decimal.RequireFromString("1")},
			{Price: decimal.RequireFromString("100.3"), Quantity: decimal.RequireFromString("4")},
		},
	}
}

// writeBucket writes updates into the raw file of the bucket at minute and
// optionally compresses it.
func writeBucket(t *testing.T, layout writer.Layout, minute int, compress bool, updates ...models.DepthUpdate) string {
	t.Helper()
	path := layout.BucketFile("BTCUSDT", time.Date(2024, 3, 1, 10, minute, 0, 0, time.UTC))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	var buf bytes.Buffer
	for _, u := range updates {
		line, err := json.Marshal(u)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write bucket: %v", err)
	}
	if !compress {
		return path
	}
	out, err := writer.CompressFile(context.Background(), path)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	return out
}

func testLayout(t *testing.T) writer.Layout {
	return writer.Layout{Dir: t.TempDir(), Bucket: time.Minute}
}

func testJob(layout writer.Layout) models.ConsolidationJob {
	return models.NewConsolidationJob("BTCUSDT", testDate,
		layout.DateDir("BTCUSDT", testDate), layout.ArchivePath("BTCUSDT", testDate), nil, nil)
}

func archiveEntries(t *testing.T, path string) []string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer zr.Close()
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func archiveSequences(t *testing.T, path string) []uint64 {
	t.Helper()
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer zr.Close()
	var seqs []uint64
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open entry %s: %v", f.Name, err)
		}
		dec := json.NewDecoder(rc)
		for dec.More() {
			var u models.DepthUpdate
			if err := dec.Decode(&u); err != nil {
				rc.Close()
				t.Fatalf("decode %s: %v", f.Name, err)
			}
			seqs = append(seqs, u.Sequence)
		}
		rc.Close()
	}
	return seqs
}

func TestProcessIsByteIdenticalOnRerun(t *testing.T) {
	layout := testLayout(t)
	a := writeBucket(t, layout, 0, true, update(1, 0), update(2, 0))
	b := writeBucket(t, layout, 1, true, update(3, 1))
	c := writeBucket(t, layout, 2, false, update(4, 2))

	cons := New(Config{Layout: layout}, &inlinePool{}, nil, nil)
	job := testJob(layout)
	if err := cons.Process(context.Background(), job); err != nil {
		t.Fatalf("process: %v", err)
	}
	first, err := os.ReadFile(job.OutputArchive)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}

	names := archiveEntries(t, job.OutputArchive)
	want := []string{
		"BTCUSDT_orderbook_2024-03-01_10-00.jsonl",
		"BTCUSDT_orderbook_2024-03-01_10-01.jsonl",
		"BTCUSDT_orderbook_2024-03-01_10-02.jsonl",
	}
	if len(names) != len(want) {
		t.Fatalf("unexpected entries %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("entry %d: got %s want %s", i, names[i], want[i])
		}
	}

	for _, p := range []string{a, b, c} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("input %s removed without purge: %v", p, err)
		}
	}

	if err := cons.Process(context.Background(), job); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	second, err := os.ReadFile(job.OutputArchive)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("rerun produced a different archive")
	}
	if _, err := os.Stat(job.OutputArchive + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temporary archive left behind: %v", err)
	}
}

func TestProcessPurgesAfterVerifyAndRerunIsNoop(t *testing.T) {
	layout := testLayout(t)
	in := writeBucket(t, layout, 0, true, update(1, 0))

	cons := New(Config{Layout: layout, Purge: true}, &inlinePool{}, nil, nil)
	job := testJob(layout)
	if err := cons.Process(context.Background(), job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, err := os.Stat(in); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("input not purged: %v", err)
	}
	if _, err := os.Stat(job.InputDir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("date directory not removed: %v", err)
	}
	before, _ := os.ReadFile(job.OutputArchive)

	if err := cons.Process(context.Background(), job); err != nil {
		t.Fatalf("rerun after purge: %v", err)
	}
	after, _ := os.ReadFile(job.OutputArchive)
	if !bytes.Equal(before, after) {
		t.Fatal("rerun after purge modified the archive")
	}
}

func TestProcessSkipsCorruptInput(t *testing.T) {
	layout := testLayout(t)
	writeBucket(t, layout, 0, true, update(1, 0))
	bad := layout.BucketFile("BTCUSDT", time.Date(2024, 3, 1, 10, 1, 0, 0, time.UTC))
	bad = bad[:len(bad)-len(writer.RawExt)] + writer.CompressedExt
	if err := os.WriteFile(bad, []byte("not a zip"), 0o644); err != nil {
		t.Fatalf("write corrupt: %v", err)
	}

	cons := New(Config{Layout: layout, Purge: true}, &inlinePool{}, nil, nil)
	job := testJob(layout)
	if err := cons.Process(context.Background(), job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if names := archiveEntries(t, job.OutputArchive); len(names) != 1 {
		t.Fatalf("expected only the readable bucket, got %v", names)
	}
	if _, err := os.Stat(bad); err != nil {
		t.Fatalf("corrupt input should be kept: %v", err)
	}
}

func TestProcessKeepsInputsWhenVerifyFails(t *testing.T) {
	layout := testLayout(t)
	in := writeBucket(t, layout, 0, false)

	cons := New(Config{Layout: layout, Purge: true}, &inlinePool{}, nil, nil)
	err := cons.Process(context.Background(), testJob(layout))
	if !errors.Is(err, errEmptyArchive) {
		t.Fatalf("expected empty archive error, got %v", err)
	}
	if _, err := os.Stat(in); err != nil {
		t.Fatalf("input must survive a failed verification: %v", err)
	}
	if _, err := os.Stat(layout.ArchivePath("BTCUSDT", testDate)); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("unverified archive left behind")
	}
}

func TestProcessWaitsForReady(t *testing.T) {
	layout := testLayout(t)
	writeBucket(t, layout, 0, true, update(1, 0))

	cons := New(Config{Layout: layout}, &inlinePool{}, nil, nil)
	job := testJob(layout)
	ready := make(chan struct{})
	job.Ready = ready

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := cons.Process(ctx, job); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected to wait for ready, got %v", err)
	}
	if _, err := os.Stat(job.OutputArchive); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("archive written before compressions finished")
	}

	close(ready)
	if err := cons.Process(context.Background(), job); err != nil {
		t.Fatalf("process after ready: %v", err)
	}
}

func TestSubmitOncePerDate(t *testing.T) {
	layout := testLayout(t)
	writeBucket(t, layout, 0, true, update(1, 0))

	pool := &inlinePool{}
	cons := New(Config{Layout: layout}, pool, nil, nil)
	for i := 0; i < 3; i++ {
		if err := cons.Submit(context.Background(), testJob(layout)); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if len(pool.tasks) != 1 {
		t.Fatalf("expected one task, got %v", pool.tasks)
	}
	if s := cons.Stats(); s.Submitted != 1 || s.Duplicates != 2 || s.Succeeded != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestMemoIsBounded(t *testing.T) {
	cons := New(Config{MemoSize: 2}, &inlinePool{}, nil, nil)
	cons.remember("a")
	cons.remember("b")
	cons.remember("c")
	if cons.memo.Size() != 2 {
		t.Fatalf("memo size %d", cons.memo.Size())
	}
	if !cons.remember("a") {
		t.Fatal("oldest key should have been evicted")
	}
}

func TestRetriesThenReportsFailure(t *testing.T) {
	layout := testLayout(t)
	var mu sync.Mutex
	var failures []metrics.Metric
	id := metrics.RegisterMetricHandler(func(m metrics.Metric) {
		if m.Name == "consolidation_failures" {
			mu.Lock()
			failures = append(failures, m)
			mu.Unlock()
		}
	})
	t.Cleanup(func() { metrics.UnregisterMetricHandler(id) })

	pool := &inlinePool{}
	cons := New(Config{Layout: layout, MaxRetries: 2}, pool, nil, nil)
	var slept int
	cons.sleep = func(ctx context.Context, d time.Duration) bool {
		slept++
		return true
	}

	job := testJob(layout)
	job.Date = "not-a-date"
	if err := cons.Submit(context.Background(), job); err == nil {
		t.Fatal("expected inline task error")
	}
	if slept != 2 {
		t.Fatalf("expected 2 retries, slept %d", slept)
	}
	s := cons.Stats()
	if s.Failed != 1 || s.Retries != 2 {
		t.Fatalf("unexpected stats %+v", s)
	}
	mu.Lock()
	n := len(failures)
	mu.Unlock()
	if n != 1 || failures[0].Fields["symbol"] != "BTCUSDT" {
		t.Fatalf("expected one failure metric, got %+v", failures)
	}

	// the date may be submitted again after a final failure
	if cons.remember(memoKey(job.Symbol, job.Date)) == false {
		t.Fatal("failed date still remembered")
	}
}

func TestProcessExportsParquetAndUploads(t *testing.T) {
	layout := testLayout(t)
	writeBucket(t, layout, 0, true, update(1, 0), update(2, 0))

	up := &recordingUploader{}
	cons := New(Config{Layout: layout, Parquet: true}, &inlinePool{}, up, nil)
	if err := cons.Process(context.Background(), testJob(layout)); err != nil {
		t.Fatalf("process: %v", err)
	}

	pq := layout.ParquetPath("BTCUSDT", testDate)
	fr, err := local.NewLocalFileReader(pq)
	if err != nil {
		t.Fatalf("open parquet: %v", err)
	}
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(levelRow), 1)
	if err != nil {
		t.Fatalf("parquet reader: %v", err)
	}
	defer pr.ReadStop()
	// two updates with one bid and two asks each
	if n := pr.GetNumRows(); n != 6 {
		t.Fatalf("expected 6 rows, got %d", n)
	}

	if len(up.keys) != 2 {
		t.Fatalf("expected archive and parquet uploads, got %v", up.keys)
	}
	if up.keys[0] != "BTCUSDT/2024-03-01/BTCUSDT_orderbook_2024-03-01.zip" {
		t.Fatalf("unexpected key %s", up.keys[0])
	}
}

func TestUploadFailureDoesNotFailJob(t *testing.T) {
	layout := testLayout(t)
	in := writeBucket(t, layout, 0, true, update(1, 0))

	up := &recordingUploader{err: errors.New("denied")}
	cons := New(Config{Layout: layout, Purge: true}, &inlinePool{}, up, nil)
	if err := cons.Process(context.Background(), testJob(layout)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, err := os.Stat(in); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("verified archive should still allow purge")
	}
}

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	var buf bytes.Buffer
	buf.ReadFrom(in.Body)
	f.body = buf.Bytes()
	return &s3.PutObjectOutput{}, nil
}

func TestS3UploaderKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "BTCUSDT_orderbook_2024-03-01.zip")
	if err := os.WriteFile(path, []byte("archive"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	fake := &fakeS3{}
	u := &S3Uploader{client: fake, bucket: "depth-data", prefix: "binance"}

	key, err := u.Upload(context.Background(), "BTCUSDT", testDate, path)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if key != "binance/BTCUSDT/2024-03-01/BTCUSDT_orderbook_2024-03-01.zip" {
		t.Fatalf("unexpected key %s", key)
	}
	if aws.ToString(fake.input.Bucket) != "depth-data" || aws.ToInt64(fake.input.ContentLength) != 7 || string(fake.body) != "archive" {
		t.Fatalf("unexpected request %+v body=%q", fake.input, fake.body)
	}
}

func TestProcessKeepsEveryFlushOfOneBucket(t *testing.T) {
	layout := testLayout(t)
	// a restart inside minute 7 compresses the bucket twice
	first := writeBucket(t, layout, 7, true, update(1, 7), update(2, 7))
	second := writeBucket(t, layout, 7, true, update(3, 7))
	if first == second {
		t.Fatalf("second flush overwrote %s", first)
	}

	// an archive from an older build whose entry clashes by name
	legacy := layout.BucketFile("BTCUSDT", time.Date(2024, 3, 1, 10, 7, 0, 0, time.UTC))
	legacy = legacy[:len(legacy)-len(writer.RawExt)] + "_2" + writer.CompressedExt
	f, err := os.Create(legacy)
	if err != nil {
		t.Fatalf("create legacy archive: %v", err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("BTCUSDT_orderbook_2024-03-01_10-07.jsonl")
	if err != nil {
		t.Fatalf("legacy entry: %v", err)
	}
	line, _ := json.Marshal(update(4, 7))
	w.Write(append(line, '\n'))
	if err := zw.Close(); err != nil {
		t.Fatalf("close legacy archive: %v", err)
	}
	f.Close()

	// a raw file left next to its own archive holds the same bytes
	dupRaw := writeBucket(t, layout, 8, false, update(5, 8))
	raw, _ := os.ReadFile(dupRaw)
	if _, err := writer.CompressFile(context.Background(), dupRaw); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := os.WriteFile(dupRaw, raw, 0o644); err != nil {
		t.Fatalf("restore raw: %v", err)
	}

	cons := New(Config{Layout: layout, Purge: true}, &inlinePool{}, nil, nil)
	job := testJob(layout)
	if err := cons.Process(context.Background(), job); err != nil {
		t.Fatalf("process: %v", err)
	}

	seqs := archiveSequences(t, job.OutputArchive)
	want := []uint64{1, 2, 3, 4, 5}
	if len(seqs) != len(want) {
		t.Fatalf("archive holds sequences %v, want %v", seqs, want)
	}
	for i := range want {
		if seqs[i] != want[i] {
			t.Fatalf("archive holds sequences %v, want %v", seqs, want)
		}
	}
	names := archiveEntries(t, job.OutputArchive)
	wantNames := []string{
		"BTCUSDT_orderbook_2024-03-01_10-07.jsonl",
		"BTCUSDT_orderbook_2024-03-01_10-07_1.jsonl",
		"BTCUSDT_orderbook_2024-03-01_10-07_2.jsonl",
		"BTCUSDT_orderbook_2024-03-01_10-08.jsonl",
	}
	if len(names) != len(wantNames) {
		t.Fatalf("unexpected entries %v", names)
	}
	for i := range wantNames {
		if names[i] != wantNames[i] {
			t.Fatalf("entry %d: got %s want %s", i, names[i], wantNames[i])
		}
	}

	before, _ := os.ReadFile(job.OutputArchive)
	if err := cons.Process(context.Background(), job); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	after, _ := os.ReadFile(job.OutputArchive)
	if !bytes.Equal(before, after) {
		t.Fatal("rerun after purge modified the archive")
	}
}

func TestProcessRerunAfterPartialPurgeKeepsArchive(t *testing.T) {
	layout := testLayout(t)
	a := writeBucket(t, layout, 1, true, update(1, 1))
	b := writeBucket(t, layout, 2, true, update(2, 2))
	c := writeBucket(t, layout, 3, true, update(3, 3))

	job := testJob(layout)
	if err := New(Config{Layout: layout}, &inlinePool{}, nil, nil).Process(context.Background(), job); err != nil {
		t.Fatalf("process: %v", err)
	}
	before, err := os.ReadFile(job.OutputArchive)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}

	// interrupted purge: the first input is already gone
	if err := os.Remove(a); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := New(Config{Layout: layout, Purge: true}, &inlinePool{}, nil, nil).Process(context.Background(), job); err != nil {
		t.Fatalf("retry: %v", err)
	}

	after, err := os.ReadFile(job.OutputArchive)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Fatalf("retry changed the archive: entries now %v", archiveEntries(t, job.OutputArchive))
	}
	for _, p := range []string{b, c} {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("remaining input %s not purged: %v", p, err)
		}
	}
}

func TestProcessRebuildsUnreadableArchive(t *testing.T) {
	layout := testLayout(t)
	writeBucket(t, layout, 1, true, update(1, 1))
	job := testJob(layout)
	if err := os.WriteFile(job.OutputArchive, []byte("truncated"), 0o644); err != nil {
		t.Fatalf("write broken archive: %v", err)
	}

	cons := New(Config{Layout: layout}, &inlinePool{}, nil, nil)
	if err := cons.Process(context.Background(), job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if seqs := archiveSequences(t, job.OutputArchive); len(seqs) != 1 || seqs[0] != 1 {
		t.Fatalf("unexpected sequences %v", seqs)
	}
}
