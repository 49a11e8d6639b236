// Package engine composes and validates command lines for the supported
// serving engines. The manager owns the argv contract; execution
// semantics belong to the engines themselves.
package engine

import (
	"fmt"
	"strconv"
)

// LoRA describes an adapter to serve alongside its base model.
type LoRA struct {
	Name string
	Path string
	// Rank is the bucketed serving rank (already one of the engine's
	// accepted values).
	Rank int
}

// VLLMSpec holds the parameters for a vLLM-style server command line.
type VLLMSpec struct {
	ModelPath         string
	ServedModelName   string
	Port              int
	GPUMemoryFraction float64
	Quantization      string
	EnableToolCalling bool
	ToolCallParser    string
	Adapter           *LoRA
}

// BuildVLLMArgs returns the argv for a vLLM-style server. The server
// binds loopback only; exposure beyond the host is a proxy concern.
// When an adapter is attached, ModelPath must already be the base model
// path, with the adapter referenced through --lora-modules.
func BuildVLLMArgs(s VLLMSpec) ([]string, error) {
	if s.ModelPath == "" {
		return nil, fmt.Errorf("model path cannot be empty")
	}
	if s.Port <= 0 {
		return nil, fmt.Errorf("port must be positive, got %d", s.Port)
	}

	args := []string{
		s.ModelPath,
		"--port", strconv.Itoa(s.Port),
		"--host", "127.0.0.1",
	}
	if s.ServedModelName != "" {
		args = append(args, "--served-model-name", s.ServedModelName)
	}
	if s.GPUMemoryFraction > 0 {
		args = append(args, "--gpu-memory-utilization", strconv.FormatFloat(s.GPUMemoryFraction, 'f', 2, 64))
	}
	if s.Quantization != "" {
		args = append(args, "--quantization", s.Quantization)
	}
	if s.EnableToolCalling {
		parser := s.ToolCallParser
		if parser == "" {
			parser = "hermes"
		}
		args = append(args, "--enable-auto-tool-choice", "--tool-call-parser", parser)
	}
	if s.Adapter != nil {
		if s.Adapter.Path == "" {
			return nil, fmt.Errorf("adapter path cannot be empty")
		}
		name := s.Adapter.Name
		if name == "" {
			name = "adapter"
		}
		args = append(args,
			"--enable-lora",
			"--max-lora-rank", strconv.Itoa(s.Adapter.Rank),
			"--lora-modules", fmt.Sprintf("%s=%s", name, s.Adapter.Path),
		)
	}
	return args, nil
}

// SimpleSpec holds the parameters for the llama-server style "simple"
// engine.
type SimpleSpec struct {
	ModelPath string
	Port      int
	CtxSize   int
	Threads   int
}

// BuildSimpleArgs returns the argv for the simple engine.
func BuildSimpleArgs(s SimpleSpec) ([]string, error) {
	if s.ModelPath == "" {
		return nil, fmt.Errorf("model path cannot be empty")
	}
	if s.Port <= 0 {
		return nil, fmt.Errorf("port must be positive, got %d", s.Port)
	}

	args := []string{
		"-m", s.ModelPath,
		"--port", strconv.Itoa(s.Port),
		"--host", "127.0.0.1",
	}
	if s.CtxSize > 0 {
		args = append(args, "-c", strconv.Itoa(s.CtxSize))
	}
	if s.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(s.Threads))
	}
	return args, nil
}
