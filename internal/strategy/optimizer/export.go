package optimizer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"stocktester/internal/strategy/weights"
)

// WeightsFile is the YAML layout of exported weights. Exactly one of
// Weights and Optimized is set.
type WeightsFile struct {
	Weights   *weights.Vector `yaml:"weights,omitempty"`
	Optimized *RegimeVectors  `yaml:"optimized_weights,omitempty"`
}

// RegimeVectors are the per-regime weights
type RegimeVectors struct {
	BullMarket weights.Vector `yaml:"bull_market"`
	BearMarket weights.Vector `yaml:"bear_market"`
}

// ExportFor builds the export of a period: regime weights when the period
// ran regime searches, otherwise its single vector
func ExportFor(p *PeriodResult) WeightsFile {
	if p.Regime != nil {
		sel := p.Regime.Selector(nil, p.Optimization.Weights)
		return WeightsFile{Optimized: &RegimeVectors{BullMarket: sel.Bull, BearMarket: sel.Bear}}
	}
	w := p.Optimization.Weights
	return WeightsFile{Weights: &w}
}

// Validate checks that exactly one layout is present and its vectors are valid
func (f WeightsFile) Validate() error {
	switch {
	case f.Weights != nil && f.Optimized != nil:
		return fmt.Errorf("weights file sets both weights and optimized_weights")
	case f.Weights != nil:
		return f.Weights.Validate()
	case f.Optimized != nil:
		if err := f.Optimized.BullMarket.Validate(); err != nil {
			return fmt.Errorf("bull_market: %w", err)
		}
		if err := f.Optimized.BearMarket.Validate(); err != nil {
			return fmt.Errorf("bear_market: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("weights file is empty")
	}
}

// ExportWeights writes f as YAML
func ExportWeights(w io.Writer, f WeightsFile) error {
	if err := f.Validate(); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("failed to encode weights: %w", err)
	}
	return enc.Close()
}

// WriteWeightsFile writes f to path, creating parent directories
func WriteWeightsFile(path string, f WeightsFile) error {
	var buf bytes.Buffer
	if err := ExportWeights(&buf, f); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// LoadWeightsFile reads a file written by WriteWeightsFile
func LoadWeightsFile(path string) (WeightsFile, error) {
	var f WeightsFile
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("failed to read weights file: %w", err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("failed to parse weights file: %w", err)
	}
	return f, f.Validate()
}
