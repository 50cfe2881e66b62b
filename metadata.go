package edgar

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GenerateFilename creates a filename from the dataset's identity.
// Format: {TICKER}-{CIK}_facts.{ext}
// Falls back to facts.{ext} if general info is incomplete
func GenerateFilename(info GeneralInfo, ext string) string {
	ticker := strings.ToUpper(info.Ticker)
	hasCIK := info.CIK != "" && info.CIK != NotAvailable
	switch {
	case ticker != "" && hasCIK:
		return fmt.Sprintf("%s-%s_facts.%s", ticker, info.CIK, ext)
	case ticker != "":
		return fmt.Sprintf("%s_facts.%s", ticker, ext)
	case hasCIK:
		return fmt.Sprintf("%s_facts.%s", info.CIK, ext)
	}
	return fmt.Sprintf("facts.%s", ext)
}

// SaveOptions configures how files should be saved
type SaveOptions struct {
	OutputPath string // If empty, uses smart naming
	OutputDir  string // Directory for output files (default: current dir)
}

// SaveJSON writes v as indented JSON. The name comes from opts.OutputPath or,
// when that is empty, from GenerateFilename(info, "json"). It returns the path written.
func SaveJSON(v any, info GeneralInfo, opts SaveOptions) (string, error) {
	if opts.OutputDir != "" {
		if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
			return "", fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	outputPath := opts.OutputPath
	if outputPath == "" {
		outputPath = GenerateFilename(info, "json")
	}
	if opts.OutputDir != "" && !filepath.IsAbs(outputPath) {
		outputPath = filepath.Join(opts.OutputDir, outputPath)
	}

	jsonData, err := FormatJSON(v)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(outputPath, jsonData, 0644); err != nil {
		return "", fmt.Errorf("failed to save JSON output: %w", err)
	}
	return outputPath, nil
}

// FormatJSON returns pretty-printed JSON
func FormatJSON(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// FormatJSONBatch returns pretty-printed JSON for a batch, keyed by ticker.
// Per-ticker errors are rendered as strings.
func FormatJSONBatch(result *BatchResult) ([]byte, error) {
	type entry struct {
		Data  *FinancialDataset `json:"data"`
		Error string            `json:"error,omitempty"`
	}
	out := make(map[string]entry, len(result.Datasets))
	for ticker, ds := range result.Datasets {
		e := entry{Data: ds}
		if err := result.Errors[ticker]; err != nil {
			e.Error = err.Error()
		}
		out[ticker] = e
	}
	return FormatJSON(out)
}
