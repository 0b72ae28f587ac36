package task

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"pdfqueue/config"
	"pdfqueue/logging"
	"pdfqueue/storage"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, cfg *config.Config) (*Manager, *SQLStore, *fakeDispatcher, afero.Fs) {
	t.Helper()
	store := newTestStore(t)
	files, fs := newTestFiles()
	d := &fakeDispatcher{}
	return NewManager(cfg, store, files, d, logging.Discard()), store, d, fs
}

func testFiles(m *Manager) *storage.Local {
	return m.files.(*storage.Local)
}

func pdfRequest(name string) SubmitRequest {
	return SubmitRequest{
		Description: "Q3 invoice",
		Filename:    name,
		Size:        int64(len(testPDF)),
		Body:        strings.NewReader(testPDF),
	}
}

func TestManagerSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a pending task and enqueues it", func(t *testing.T) {
		mgr, store, d, fs := newTestManager(t, testConfig())

		tk, err := mgr.Submit(ctx, pdfRequest("invoice.pdf"))
		require.NoError(t, err)
		assert.NotEmpty(t, tk.ID)
		assert.Equal(t, StatusPending, tk.Status)
		assert.Equal(t, "input_files/invoice.pdf", tk.InputPath)
		assert.Equal(t, "invoice.pdf", tk.OriginalName)
		assert.Equal(t, int64(len(testPDF)), tk.InputSize)
		assert.Equal(t, []string{tk.ID}, d.enqueued())

		stored, err := store.Get(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, "Q3 invoice", stored.Description)

		data, err := afero.ReadFile(fs, "/media/input_files/invoice.pdf")
		require.NoError(t, err)
		assert.Equal(t, testPDF, string(data))
	})

	t.Run("same file name twice gets distinct storage", func(t *testing.T) {
		mgr, _, _, _ := newTestManager(t, testConfig())

		a, err := mgr.Submit(ctx, pdfRequest("invoice.pdf"))
		require.NoError(t, err)
		b, err := mgr.Submit(ctx, pdfRequest("invoice.pdf"))
		require.NoError(t, err)

		assert.NotEqual(t, a.ID, b.ID)
		assert.NotEqual(t, a.InputPath, b.InputPath)
		assert.Equal(t, "invoice.pdf", b.OriginalName)
	})

	t.Run("extension check is case-insensitive", func(t *testing.T) {
		mgr, _, _, _ := newTestManager(t, testConfig())
		_, err := mgr.Submit(ctx, pdfRequest("SCAN.PDF"))
		assert.NoError(t, err)
	})

	tests := []struct {
		name    string
		req     SubmitRequest
		field   string
		message string
	}{
		{
			name:    "missing description",
			req:     SubmitRequest{Description: "  ", Filename: "a.pdf", Body: strings.NewReader(testPDF)},
			field:   "description",
			message: "This field is required.",
		},
		{
			name:    "missing file",
			req:     SubmitRequest{Description: "x"},
			field:   "input_file",
			message: "No file was submitted.",
		},
		{
			name:    "wrong extension",
			req:     SubmitRequest{Description: "x", Filename: "notes.txt", Body: strings.NewReader("hello")},
			field:   "input_file",
			message: "Only PDF files are allowed.",
		},
		{
			name:    "pdf name with other content",
			req:     SubmitRequest{Description: "x", Filename: "fake.pdf", Body: strings.NewReader("just some text")},
			field:   "input_file",
			message: "Uploaded file is not a valid PDF document.",
		},
		{
			name:    "empty file",
			req:     SubmitRequest{Description: "x", Filename: "empty.pdf", Body: strings.NewReader("")},
			field:   "input_file",
			message: "The submitted file is empty.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr, store, d, _ := newTestManager(t, testConfig())

			_, err := mgr.Submit(ctx, tt.req)
			var vErr *ValidationError
			require.True(t, errors.As(err, &vErr), "expected *ValidationError, got %v", err)
			assert.Equal(t, tt.field, vErr.Field)
			assert.Equal(t, tt.message, vErr.Message)

			_, total, err := store.List(ctx, ListOptions{})
			require.NoError(t, err)
			assert.Zero(t, total)
			assert.Empty(t, d.enqueued())
		})
	}

	t.Run("declared size over the limit", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxUploadSize = 10
		mgr, _, _, _ := newTestManager(t, cfg)

		_, err := mgr.Submit(ctx, pdfRequest("big.pdf"))
		var vErr *ValidationError
		require.True(t, errors.As(err, &vErr))
		assert.True(t, vErr.TooLarge)
	})

	t.Run("actual size over the limit leaves no file behind", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxUploadSize = 10
		mgr, _, _, fs := newTestManager(t, cfg)

		req := pdfRequest("big.pdf")
		req.Size = -1
		_, err := mgr.Submit(ctx, req)
		var vErr *ValidationError
		require.True(t, errors.As(err, &vErr))
		assert.True(t, vErr.TooLarge)

		exists, err := afero.Exists(fs, "/media/input_files/big.pdf")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("content check can be disabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.VerifyContent = false
		mgr, _, _, _ := newTestManager(t, cfg)

		_, err := mgr.Submit(ctx, SubmitRequest{Description: "x", Filename: "odd.pdf", Size: -1, Body: strings.NewReader("not a pdf")})
		assert.NoError(t, err)
	})

	t.Run("enqueue failure marks the task failed", func(t *testing.T) {
		mgr, store, d, _ := newTestManager(t, testConfig())
		d.err = ErrQueueFull

		_, err := mgr.Submit(ctx, pdfRequest("invoice.pdf"))
		assert.ErrorIs(t, err, ErrQueueFull)

		tasks, total, err := store.List(ctx, ListOptions{})
		require.NoError(t, err)
		require.Equal(t, int64(1), total)
		assert.Equal(t, StatusFailed, tasks[0].Status)
		assert.Equal(t, CodeEnqueueFailed, tasks[0].ErrorCode)
	})
}

func TestManagerList(t *testing.T) {
	ctx := context.Background()
	mgr, store, _, _ := newTestManager(t, testConfig())
	files := testFiles(mgr)

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		at := base.Add(time.Duration(i) * time.Minute)
		store.now = func() time.Time { return at }
		seedPending(t, store, files, id)
	}
	_, err := store.Update(ctx, "b", StatusPending, Failed(CodeUnexpected, "boom", base))
	require.NoError(t, err)

	tasks, total, err := mgr.List(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, tasks, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{tasks[0].ID, tasks[1].ID, tasks[2].ID})

	tasks, total, err = mgr.List(ctx, ListOptions{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, tasks, 1)
	assert.Equal(t, "b", tasks[0].ID)

	tasks, total, err = mgr.List(ctx, ListOptions{Status: StatusFailed})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, "b", tasks[0].ID)

	_, _, err = mgr.List(ctx, ListOptions{Status: "DONE"})
	var vErr *ValidationError
	assert.True(t, errors.As(err, &vErr))
}

func TestManagerOpenOutput(t *testing.T) {
	ctx := context.Background()

	complete := func(t *testing.T, store *SQLStore, id string) {
		t.Helper()
		_, err := store.Update(ctx, id, StatusPending, Update{Status: StatusProcessing})
		require.NoError(t, err)
		out := "output_files/compressed_" + id + ".pdf"
		_, err = store.Update(ctx, id, StatusProcessing, Update{Status: StatusCompleted, OutputPath: &out})
		require.NoError(t, err)
	}

	t.Run("unknown id", func(t *testing.T) {
		mgr, _, _, _ := newTestManager(t, testConfig())
		_, _, err := mgr.OpenOutput(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("not completed", func(t *testing.T) {
		mgr, store, _, _ := newTestManager(t, testConfig())
		seedPending(t, store, testFiles(mgr), "p1")

		tk, _, err := mgr.OpenOutput(ctx, "p1")
		assert.ErrorIs(t, err, ErrNotCompleted)
		assert.Equal(t, StatusPending, tk.Status)
	})

	t.Run("completed with file", func(t *testing.T) {
		mgr, store, _, fs := newTestManager(t, testConfig())
		seedPending(t, store, testFiles(mgr), "c1")
		require.NoError(t, afero.WriteFile(fs, "/media/output_files/compressed_c1.pdf", []byte(testPDF), 0o644))
		complete(t, store, "c1")

		tk, f, err := mgr.OpenOutput(ctx, "c1")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "invoice.pdf", tk.OriginalName)
		assert.True(t, mgr.OutputAvailable(tk))
	})

	t.Run("completed but file deleted", func(t *testing.T) {
		mgr, store, _, _ := newTestManager(t, testConfig())
		seedPending(t, store, testFiles(mgr), "c2")
		complete(t, store, "c2")

		tk, _, err := mgr.OpenOutput(ctx, "c2")
		assert.ErrorIs(t, err, ErrOutputMissing)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.False(t, mgr.OutputAvailable(tk))
	})
}

func TestManagerRecover(t *testing.T) {
	ctx := context.Background()

	t.Run("local queue", func(t *testing.T) {
		mgr, store, d, _ := newTestManager(t, testConfig())
		files := testFiles(mgr)
		seedPending(t, store, files, "waiting")
		seedPending(t, store, files, "running")
		_, err := store.Update(ctx, "running", StatusPending, Update{Status: StatusProcessing})
		require.NoError(t, err)

		require.NoError(t, mgr.Recover(ctx))

		assert.Equal(t, []string{"waiting"}, d.enqueued())
		got, err := store.Get(ctx, "running")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
		assert.Equal(t, CodeInterrupted, got.ErrorCode)
	})

	t.Run("broker queue leaves processing tasks alone", func(t *testing.T) {
		cfg := testConfig()
		cfg.QueueDriver = config.QueueAsynq
		mgr, store, _, _ := newTestManager(t, cfg)
		seedPending(t, store, testFiles(mgr), "running")
		_, err := store.Update(ctx, "running", StatusPending, Update{Status: StatusProcessing})
		require.NoError(t, err)

		require.NoError(t, mgr.Recover(ctx))

		got, err := store.Get(ctx, "running")
		require.NoError(t, err)
		assert.Equal(t, StatusProcessing, got.Status)
	})
}

func TestManagerSweep(t *testing.T) {
	ctx := context.Background()
	long := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	cfg := testConfig()
	cfg.StaleAfter = 10 * time.Minute
	cfg.OutputRetention = time.Hour
	mgr, store, d, fs := newTestManager(t, cfg)
	files := testFiles(mgr)

	store.now = func() time.Time { return long }
	seedPending(t, store, files, "stuck")
	seedPending(t, store, files, "waiting")
	seedPending(t, store, files, "old-done")
	_, err := store.Update(ctx, "stuck", StatusPending, Update{Status: StatusProcessing})
	require.NoError(t, err)
	_, err = store.Update(ctx, "old-done", StatusPending, Update{Status: StatusProcessing})
	require.NoError(t, err)
	out := "output_files/compressed_old-done.pdf"
	require.NoError(t, afero.WriteFile(fs, "/media/"+out, []byte(testPDF), 0o644))
	_, err = store.Update(ctx, "old-done", StatusProcessing, Update{Status: StatusCompleted, OutputPath: &out})
	require.NoError(t, err)

	store.now = func() time.Time { return time.Now().UTC() }
	seedPending(t, store, files, "fresh")

	mgr.sweep(ctx)

	stuck, err := store.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stuck.Status)
	assert.Equal(t, CodeStale, stuck.ErrorCode)

	assert.Equal(t, []string{"waiting"}, d.enqueued())

	exists, err := afero.Exists(fs, "/media/"+out)
	require.NoError(t, err)
	assert.False(t, exists)

	done, err := store.Get(ctx, "old-done")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status, "retention removes the file, not the record")
}
