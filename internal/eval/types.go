// Package eval measures detection quality and round-trip fidelity over a
// labelled dataset. It is an offline tuning aid and never touches a store.
package eval

import (
	"path/filepath"
	"strings"
	"time"
)

// Record is one labelled example. ExpectedTypes lists the PII types present
// in Text, separated by ";" (a type appears once per occurrence).
type Record struct {
	Text          string `csv:"text" parquet:"text" json:"text"`
	ExpectedTypes string `csv:"expected_types" parquet:"expected_types" json:"expected_types"`
}

// Expected splits ExpectedTypes into normalized type names
func (r Record) Expected() []string {
	var out []string
	for _, name := range strings.Split(r.ExpectedTypes, ";") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

// Config contains eval pipeline configuration
type Config struct {
	Mode           string `yaml:"mode" mapstructure:"mode"`                       // external
	BatchSize      int    `yaml:"batch_size" mapstructure:"batch_size"`           // 500
	WorkerCount    int    `yaml:"worker_count" mapstructure:"worker_count"`       // 4
	MaxTextLength  int    `yaml:"max_text_length" mapstructure:"max_text_length"` // 10000
	ProgressReport int    `yaml:"progress_report" mapstructure:"progress_report"` // 1000
}

// DefaultConfig returns the pipeline defaults
func DefaultConfig() *Config {
	return &Config{
		Mode:           "external",
		BatchSize:      500,
		WorkerCount:    4,
		MaxTextLength:  10000,
		ProgressReport: 1000,
	}
}

// TypeScore counts detection outcomes for one PII type
type TypeScore struct {
	TruePositives  int64 `json:"true_positives"`
	FalsePositives int64 `json:"false_positives"`
	FalseNegatives int64 `json:"false_negatives"`
}

// Precision returns TP / (TP + FP), or 0 with no detections
func (s TypeScore) Precision() float64 {
	if d := s.TruePositives + s.FalsePositives; d > 0 {
		return float64(s.TruePositives) / float64(d)
	}
	return 0
}

// Recall returns TP / (TP + FN), or 0 with nothing expected
func (s TypeScore) Recall() float64 {
	if d := s.TruePositives + s.FalseNegatives; d > 0 {
		return float64(s.TruePositives) / float64(d)
	}
	return 0
}

// Report is the outcome of evaluating a dataset
type Report struct {
	Mode              string                `json:"mode"`
	TotalRecords      int64                 `json:"total_records"`
	Evaluated         int64                 `json:"evaluated"`
	Invalid           int64                 `json:"invalid"`
	Findings          int64                 `json:"findings"`
	Tokens            int64                 `json:"tokens"`
	Collisions        int64                 `json:"collisions"`
	RoundTripFailures int64                 `json:"round_trip_failures"`
	LeakedValues      int64                 `json:"leaked_values"`
	PerType           map[string]*TypeScore `json:"per_type"`
	Duration          time.Duration         `json:"duration"`
	Errors            []string              `json:"errors,omitempty"`
}

func newReport(mode string) *Report {
	return &Report{Mode: mode, PerType: make(map[string]*TypeScore)}
}

func (r *Report) score(name string) *TypeScore {
	s, ok := r.PerType[name]
	if !ok {
		s = &TypeScore{}
		r.PerType[name] = s
	}
	return s
}

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatJSON    FileFormat = "json"
)

// DetectFileFormat detects file format from extension. Unknown extensions read as CSV.
func DetectFileFormat(filename string) FileFormat {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".parquet":
		return FormatParquet
	case ".json", ".jsonl", ".ndjson":
		return FormatJSON
	default:
		return FormatCSV
	}
}
