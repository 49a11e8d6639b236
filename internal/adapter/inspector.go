// Package adapter inspects model directories to decide whether they hold
// a full model or a LoRA adapter, and derives a serving-safe rank.
package adapter

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
)

// ConfigFileName is the marker file LoRA training runs leave inside an
// adapter directory.
const ConfigFileName = "adapter_config.json"

// servingRanks is the discrete set of max_lora_rank values the serving
// engines accept.
var servingRanks = []int{8, 16, 32, 64, 128, 256, 320, 512}

// Inspection is the result of probing a model directory.
type Inspection struct {
	// IsAdapter is true when the directory holds LoRA weight deltas
	// rather than a full model.
	IsAdapter bool
	// BaseModelPath is the base model the adapter was trained against,
	// taken from base_model_name_or_path. Only set when IsAdapter.
	BaseModelPath string
	// Rank is the adapter's trained rank (the "r" field), 0 when absent.
	Rank int
}

// adapterConfig mirrors the fields of adapter_config.json we care about.
type adapterConfig struct {
	BaseModelNameOrPath string `json:"base_model_name_or_path"`
	R                   int    `json:"r"`
}

// Inspect probes modelPath for an adapter config. A missing or unreadable
// or unparsable config file is the normal negative case, never an error:
// the directory is treated as a full model.
func Inspect(modelPath string) Inspection {
	data, err := os.ReadFile(filepath.Join(modelPath, ConfigFileName))
	if err != nil {
		return Inspection{}
	}

	var cfg adapterConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		slog.Debug("adapter config unparsable, treating as full model",
			"path", modelPath, "error", err)
		return Inspection{}
	}
	if cfg.BaseModelNameOrPath == "" {
		return Inspection{}
	}

	insp := Inspection{
		IsAdapter:     true,
		BaseModelPath: cfg.BaseModelNameOrPath,
	}
	if cfg.R > 0 {
		insp.Rank = cfg.R
	}
	return insp
}

// ServingRank buckets a detected rank up to the smallest engine-accepted
// value. Ranks above the largest bucket clamp to it with a warning
// instead of failing the start.
func ServingRank(rank int) int {
	maxRank := servingRanks[len(servingRanks)-1]
	if rank > maxRank {
		slog.Warn("LoRA rank exceeds engine maximum, clamping",
			"rank", rank, "max", maxRank)
		return maxRank
	}
	for _, r := range servingRanks {
		if rank <= r {
			return r
		}
	}
	return maxRank
}
