package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConverter writes a shell script that mimics the external converter:
// it records each invocation, writes the file named by outTemplate, and
// prints the success marker for it. %s in outTemplate is replaced by the
// requested output path ($2).
func fakeConverter(t *testing.T, dir string, exitCode int, outTemplate string) (script, callLog string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake converter script requires a POSIX shell")
	}

	callLog = filepath.Join(dir, "calls.log")
	script = filepath.Join(dir, "convert.sh")

	body := fmt.Sprintf(`#!/bin/sh
echo "call $1 $2 $3 $4" >> %q
out=$(printf %q "$2")
if [ %d -eq 0 ]; then
  echo "converted" > "$out"
  echo "SUCCESS: GGUF file created at $out"
fi
exit %d
`, callLog, outTemplate, exitCode, exitCode)
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))
	return script, callLog
}

func countCalls(t *testing.T, callLog string) int {
	t.Helper()
	data, err := os.ReadFile(callLog)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}

func TestEnsureGGUFConvertsOnce(t *testing.T) {
	dir := t.TempDir()
	script, callLog := fakeConverter(t, dir, 0, "%s")
	c := New(script, dir, "q4_k_m")

	path, err := c.EnsureGGUF(context.Background(), "/models/base", "base")
	require.NoError(t, err)
	assert.Equal(t, c.QuantizedPath("base"), path)
	assert.Equal(t, 1, countCalls(t, callLog))

	// Second call reuses the existing file; the converter is not re-run.
	path2, err := c.EnsureGGUF(context.Background(), "/models/base", "base")
	require.NoError(t, err)
	assert.Equal(t, path, path2)
	assert.Equal(t, 1, countCalls(t, callLog))
}

func TestEnsureGGUFReusesFP16Fallback(t *testing.T) {
	dir := t.TempDir()
	script, callLog := fakeConverter(t, dir, 0, "%s")
	c := New(script, dir, "q4_k_m")

	// Simulate an earlier run that only produced the fp16 fallback.
	require.NoError(t, os.WriteFile(c.FP16Path("base"), []byte("fp16"), 0o644))

	path, err := c.EnsureGGUF(context.Background(), "/models/base", "base")
	require.NoError(t, err)
	assert.Equal(t, c.FP16Path("base"), path)
	assert.Equal(t, 0, countCalls(t, callLog))
}

func TestEnsureGGUFParsesReportedPath(t *testing.T) {
	// The converter may write to a path other than the requested one
	// (fp16 fallback); the marker line is authoritative.
	dir := t.TempDir()
	if runtime.GOOS == "windows" {
		t.Skip("fake converter script requires a POSIX shell")
	}
	actual := filepath.Join(dir, "base.fp16.gguf")
	script := filepath.Join(dir, "convert.sh")
	body := fmt.Sprintf(`#!/bin/sh
echo "quantization tooling unavailable, falling back to fp16" >&2
echo "converted" > %q
echo "SUCCESS: GGUF file created at %s"
`, actual, actual)
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	c := New(script, dir, "q4_k_m")
	path, err := c.EnsureGGUF(context.Background(), "/models/base", "base")
	require.NoError(t, err)
	assert.Equal(t, actual, path)
}

func TestEnsureGGUFNonZeroExitIsFailure(t *testing.T) {
	dir := t.TempDir()
	script, _ := fakeConverter(t, dir, 3, "%s")
	c := New(script, dir, "q4_k_m")

	_, err := c.EnsureGGUF(context.Background(), "/models/base", "base")
	assert.ErrorIs(t, err, ErrConversionFailure)
}

func TestEnsureGGUFMissingMarkerIsFailure(t *testing.T) {
	dir := t.TempDir()
	if runtime.GOOS == "windows" {
		t.Skip("fake converter script requires a POSIX shell")
	}
	script := filepath.Join(dir, "convert.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho done\n"), 0o755))

	c := New(script, dir, "q4_k_m")
	_, err := c.EnsureGGUF(context.Background(), "/models/base", "base")
	assert.ErrorIs(t, err, ErrConversionFailure)
}

func TestEnsureGGUFReportedFileMustExist(t *testing.T) {
	dir := t.TempDir()
	if runtime.GOOS == "windows" {
		t.Skip("fake converter script requires a POSIX shell")
	}
	script := filepath.Join(dir, "convert.sh")
	require.NoError(t, os.WriteFile(script,
		[]byte("#!/bin/sh\necho 'SUCCESS: GGUF file created at /nonexistent/out.gguf'\n"), 0o755))

	c := New(script, dir, "q4_k_m")
	_, err := c.EnsureGGUF(context.Background(), "/models/base", "base")
	assert.ErrorIs(t, err, ErrConversionFailure)
}

func TestEnsureGGUFFallsBackWhenReportedFileMissing(t *testing.T) {
	// Marker points at a missing file, but the fp16 fallback appeared on
	// disk during the run; the fallback wins over a hard failure.
	dir := t.TempDir()
	if runtime.GOOS == "windows" {
		t.Skip("fake converter script requires a POSIX shell")
	}
	c := New("", dir, "q4_k_m")
	fp16 := c.FP16Path("base")

	script := filepath.Join(dir, "convert.sh")
	body := fmt.Sprintf(`#!/bin/sh
echo "converted" > %q
echo 'SUCCESS: GGUF file created at /nonexistent/out.gguf'
`, fp16)
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	c = New(script, dir, "q4_k_m")
	path, err := c.EnsureGGUF(context.Background(), "/models/base", "base")
	require.NoError(t, err)
	assert.Equal(t, fp16, path)
}

func TestDefaultQuantization(t *testing.T) {
	c := New("convert", "/tmp/out", "")
	assert.Contains(t, c.QuantizedPath("m"), DefaultQuantization)
}
