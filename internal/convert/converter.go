// Package convert orchestrates model-format conversion from HuggingFace
// checkpoints to GGUF, the single-file quantized format consumed by
// Ollama-style engines. Conversion is idempotent: an existing output is
// reused and the external converter runs at most when no usable file is
// on disk.
package convert

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	ggufparser "github.com/gpustack/gguf-parser-go"
)

// ErrConversionFailure is returned when the external converter fails or
// produces no usable output file.
var ErrConversionFailure = fmt.Errorf("model conversion failed")

// successMarker is the machine-parsable line the converter prints on
// success. The captured path is authoritative: the tool may fall back to
// FP16 and write somewhere other than the requested output path.
var successMarker = regexp.MustCompile(`SUCCESS: GGUF file created at (.+)`)

// DefaultQuantization is the quantization scheme requested from the
// converter when none is configured.
const DefaultQuantization = "q4_k_m"

// Converter invokes an external conversion process and resolves the
// actual output path from its stdout.
type Converter struct {
	command      string
	outputDir    string
	quantization string
}

// New creates a converter. command is the conversion executable,
// outputDir is where canonical outputs live.
func New(command, outputDir, quantization string) *Converter {
	if quantization == "" {
		quantization = DefaultQuantization
	}
	return &Converter{command: command, outputDir: outputDir, quantization: quantization}
}

// QuantizedPath is the canonical output path for a model name.
func (c *Converter) QuantizedPath(modelName string) string {
	return filepath.Join(c.outputDir, fmt.Sprintf("%s.%s.gguf", modelName, c.quantization))
}

// FP16Path is where the converter writes its full-precision fallback
// when quantization tooling is unavailable on the host.
func (c *Converter) FP16Path(modelName string) string {
	return filepath.Join(c.outputDir, fmt.Sprintf("%s.fp16.gguf", modelName))
}

// EnsureGGUF returns a GGUF file for the model, converting only when
// neither the quantized output nor the FP16 fallback already exists.
func (c *Converter) EnsureGGUF(ctx context.Context, modelPath, modelName string) (string, error) {
	quantPath := c.QuantizedPath(modelName)
	if fileExists(quantPath) {
		slog.Debug("reusing existing quantized model", "path", quantPath)
		return quantPath, nil
	}
	fp16Path := c.FP16Path(modelName)
	if fileExists(fp16Path) {
		slog.Debug("reusing existing fp16 fallback", "path", fp16Path)
		return fp16Path, nil
	}

	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: failed to create output dir: %v", ErrConversionFailure, err)
	}

	outPath, err := c.runConverter(ctx, modelPath, quantPath)
	if err != nil {
		return "", err
	}

	// The reported path must exist on disk; the marker alone is not
	// proof the tool wrote anything.
	if !fileExists(outPath) {
		if fileExists(fp16Path) {
			slog.Warn("converter reported a missing file, using fp16 fallback",
				"reported", outPath, "fallback", fp16Path)
			return fp16Path, nil
		}
		return "", fmt.Errorf("%w: reported output %s does not exist", ErrConversionFailure, outPath)
	}

	c.logMetadata(outPath)
	return outPath, nil
}

// runConverter executes the external process and parses the success
// marker from its stdout.
func (c *Converter) runConverter(ctx context.Context, modelPath, outputPath string) (string, error) {
	cmd := exec.CommandContext(ctx, c.command, modelPath, outputPath, "--quantization", c.quantization)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.Info("converting model to GGUF",
		"model", modelPath, "output", outputPath, "quantization", c.quantization)

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: converter exited: %v: %s", ErrConversionFailure, err, lastLine(stderr.String()))
	}

	match := successMarker.FindStringSubmatch(stdout.String())
	if match == nil {
		return "", fmt.Errorf("%w: no success marker in converter output", ErrConversionFailure)
	}
	return strings.TrimSpace(match[1]), nil
}

// logMetadata parses the produced GGUF header for diagnostics. A parse
// failure is logged, not fatal: the serving engine is the final judge of
// the file.
func (c *Converter) logMetadata(path string) {
	gf, err := ggufparser.ParseGGUFFile(path)
	if err != nil {
		slog.Warn("produced GGUF file does not parse", "path", path, "error", err)
		return
	}
	meta := gf.Metadata()
	slog.Info("GGUF conversion complete",
		"path", path,
		"architecture", meta.Architecture,
		"file_type", meta.FileTypeDescriptor)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
