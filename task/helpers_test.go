package task

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pdfqueue/config"
	"pdfqueue/logging"
	"pdfqueue/storage"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const testPDF = "%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\n%%EOF\n"

// fakeCompressor writes a copy of the input unless fn overrides it.
type fakeCompressor struct {
	fs    afero.Fs
	fn    func(ctx context.Context, in, out string) error
	calls atomic.Int32
}

func (f *fakeCompressor) Compress(ctx context.Context, in, out string) error {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(ctx, in, out)
	}
	data, err := afero.ReadFile(f.fs, in)
	if err != nil {
		return err
	}
	return afero.WriteFile(f.fs, out, data, 0o644)
}

// fakeDispatcher records enqueued ids and optionally fails.
type fakeDispatcher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (d *fakeDispatcher) Enqueue(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.ids = append(d.ids, id)
	return nil
}

func (d *fakeDispatcher) enqueued() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...)
}

func testConfig() *config.Config {
	return &config.Config{
		QueueDriver:       config.QueueLocal,
		MaxConcurrency:    1,
		CompressorTimeout: 2 * time.Second,
		MaxUploadSize:     1 << 20,
		VerifyContent:     true,
		JanitorInterval:   time.Minute,
		StaleAfter:        time.Minute,
	}
}

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLStore(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestFiles() (*storage.Local, afero.Fs) {
	fs := afero.NewMemMapFs()
	return storage.NewWithFs(fs, "/media"), fs
}

func newTestController(t *testing.T, store Store, files *storage.Local, comp Compressor) *Controller {
	t.Helper()
	c := NewController(testConfig(), store, files, comp, logging.Discard())
	c.pageCount = func(string) (int, error) { return 3, nil }
	return c
}

// seedPending stores an input file and a PENDING task pointing at it.
func seedPending(t *testing.T, store Store, files *storage.Local, id string) *Task {
	t.Helper()
	ref, n, err := files.SaveInput("invoice.pdf", strings.NewReader(testPDF))
	require.NoError(t, err)
	tk := &Task{
		ID:           id,
		Description:  "Q3 invoice",
		InputPath:    ref,
		OriginalName: "invoice.pdf",
		InputSize:    n,
		Status:       StatusPending,
	}
	require.NoError(t, store.Create(context.Background(), tk))
	return tk
}
