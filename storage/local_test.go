package storage

import (
	"io"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveInput(t *testing.T) {
	l := NewWithFs(afero.NewMemMapFs(), "/media")

	ref, n, err := l.SaveInput("invoice.pdf", strings.NewReader("%PDF-1.4"))
	require.NoError(t, err)
	assert.Equal(t, "input_files/invoice.pdf", ref)
	assert.Equal(t, int64(8), n)

	t.Run("name collision gets a suffix", func(t *testing.T) {
		ref2, _, err := l.SaveInput("invoice.pdf", strings.NewReader("%PDF-1.5"))
		require.NoError(t, err)
		assert.NotEqual(t, ref, ref2)
		assert.True(t, strings.HasPrefix(ref2, "input_files/invoice_"))
		assert.True(t, strings.HasSuffix(ref2, ".pdf"))

		f, err := l.Open(ref)
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "%PDF-1.4", string(data), "original upload must be untouched")
	})

	t.Run("directories in the client name are dropped", func(t *testing.T) {
		ref, _, err := l.SaveInput("../../etc/passwd.pdf", strings.NewReader("x"))
		require.NoError(t, err)
		assert.Equal(t, "input_files/passwd.pdf", ref)
	})
}

func TestOutputName(t *testing.T) {
	assert.Equal(t, "output_files/compressed_abc.pdf", OutputName("abc"))
}

func TestEnsureOutputDirAndRemove(t *testing.T) {
	fs := afero.NewMemMapFs()
	l := NewWithFs(fs, "/media")

	require.NoError(t, l.EnsureOutputDir())
	ok, err := afero.DirExists(fs, "/media/output_files")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, afero.WriteFile(fs, l.Abs(OutputName("x")), []byte("pdf"), 0o644))
	require.NoError(t, l.Remove(OutputName("x")))
	_, err = l.Stat(OutputName("x"))
	assert.Error(t, err)

	assert.NoError(t, l.Remove(OutputName("x")), "removing twice is fine")
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "report.pdf", SanitizeName(`C:\Users\me\report.pdf`))
	assert.Equal(t, "a b.pdf", SanitizeName("a b.pdf"))
	assert.Equal(t, "quote.pdf", SanitizeName(`quo"te.pdf`))
	assert.Equal(t, "upload.pdf", SanitizeName(""))
	assert.Equal(t, "upload.pdf", SanitizeName(".."))
}
