package eval

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/raaihank/pii-sentinel/internal/config"
	"github.com/raaihank/pii-sentinel/internal/logger"
	"github.com/raaihank/pii-sentinel/internal/privacy"
	"github.com/raaihank/pii-sentinel/internal/tokenizer"
)

// ErrUnknownMode is returned when the configured mode has no block in the app config
var ErrUnknownMode = errors.New("unknown mode")

// Pipeline runs detection and the serialize/restore round trip over datasets
type Pipeline struct {
	detector      *privacy.Detector
	types         []privacy.PIIType
	minConfidence float64
	proximity     int
	config        *Config
	logger        *logger.Logger
}

// NewPipeline creates an eval pipeline using the types and protection level
// of cfg.Mode in appCfg
func NewPipeline(detector *privacy.Detector, appCfg *config.Config, cfg *Config, log *logger.Logger) (*Pipeline, error) {
	mode, ok := appCfg.Mode(cfg.Mode)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}

	types, unknown := privacy.ParseTypes(mode.PIITypes)
	if len(unknown) > 0 {
		log.Warn("Skipping unknown PII types", zap.Strings("types", unknown))
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}

	return &Pipeline{
		detector:      detector,
		types:         types,
		minConfidence: mode.MinConfidence(),
		proximity:     appCfg.Serialization.ProximityThreshold,
		config:        cfg,
		logger:        log.WithComponent("eval"),
	}, nil
}

// ProcessFile evaluates a dataset file (CSV, Parquet, or JSON lines)
func (p *Pipeline) ProcessFile(ctx context.Context, filePath string) (*Report, error) {
	format := DetectFileFormat(filePath)
	p.logger.Info("Starting eval pipeline",
		zap.String("file", filePath),
		zap.String("format", string(format)),
		zap.String("mode", p.config.Mode),
		zap.Int("batch_size", p.config.BatchSize),
		zap.Int("workers", p.config.WorkerCount))

	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer file.Close()

	var readBatch func() ([]Record, error)
	switch format {
	case FormatCSV:
		readBatch, err = p.csvBatches(file)
	case FormatParquet:
		readBatch, err = p.parquetBatches(file)
	case FormatJSON:
		readBatch = p.jsonBatches(file)
	default:
		err = fmt.Errorf("unsupported file format: %s", format)
	}
	if err != nil {
		return nil, fmt.Errorf("%s processing failed: %w", format, err)
	}

	return p.run(ctx, readBatch)
}

// ProcessRecords evaluates records already in memory
func (p *Pipeline) ProcessRecords(ctx context.Context, records []Record) (*Report, error) {
	done := false
	return p.run(ctx, func() ([]Record, error) {
		if done {
			return nil, nil
		}
		done = true
		return records, nil
	})
}

func (p *Pipeline) run(ctx context.Context, readBatch func() ([]Record, error)) (*Report, error) {
	start := time.Now()
	report := newReport(p.config.Mode)

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		batch, err := readBatch()
		if err != nil {
			return report, fmt.Errorf("failed to read batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		if err := p.processBatch(ctx, batch, report); err != nil {
			return report, err
		}

		if p.config.ProgressReport > 0 && report.TotalRecords%int64(p.config.ProgressReport) == 0 {
			p.reportProgress(report, start)
		}
	}

	report.Duration = time.Since(start)
	p.logger.Info("Eval pipeline completed",
		zap.Int64("total_records", report.TotalRecords),
		zap.Int64("evaluated", report.Evaluated),
		zap.Int64("round_trip_failures", report.RoundTripFailures),
		zap.Int64("leaked_values", report.LeakedValues),
		zap.Duration("duration", report.Duration))

	return report, nil
}

// outcome is the evaluation of one record
type outcome struct {
	invalid    bool
	findings   int
	tokens     int
	collisions int
	roundTrip  bool
	leaked     int
	scores     map[string]TypeScore
}

// processBatch evaluates a batch on the worker pool and merges into report
func (p *Pipeline) processBatch(ctx context.Context, batch []Record, report *Report) error {
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.WorkerCount)

	for i := range batch {
		rec := batch[i]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			o := p.evaluate(rec)

			mu.Lock()
			defer mu.Unlock()
			report.merge(o)
			return nil
		})
	}

	return g.Wait()
}

// evaluate runs detection and the token round trip for one record
func (p *Pipeline) evaluate(rec Record) outcome {
	if strings.TrimSpace(rec.Text) == "" || (p.config.MaxTextLength > 0 && len(rec.Text) > p.config.MaxTextLength) {
		return outcome{invalid: true}
	}

	var findings []privacy.Finding
	for _, f := range p.detector.Detect(rec.Text, p.types) {
		if f.Confidence >= p.minConfidence {
			findings = append(findings, f)
		}
	}

	result := tokenizer.NewSerializer(p.proximity).Serialize(rec.Text, findings)
	o := outcome{
		findings:   len(findings),
		tokens:     len(result.TokenMap),
		collisions: result.Collisions,
		roundTrip:  tokenizer.Deserialize(result.Text, result.TokenMap) == rec.Text,
		scores:     make(map[string]TypeScore),
	}

	for _, f := range findings {
		if strings.Contains(result.Text, f.Value) {
			o.leaked++
		}
	}

	detected := make(map[string]int64)
	for _, f := range findings {
		detected[string(f.Type)]++
	}
	expected := make(map[string]int64)
	for _, name := range rec.Expected() {
		expected[name]++
	}

	for name, n := range detected {
		tp := min(n, expected[name])
		s := o.scores[name]
		s.TruePositives += tp
		s.FalsePositives += n - tp
		o.scores[name] = s
	}
	for name, n := range expected {
		s := o.scores[name]
		s.FalseNegatives += n - min(n, detected[name])
		o.scores[name] = s
	}

	return o
}

func (r *Report) merge(o outcome) {
	r.TotalRecords++
	if o.invalid {
		r.Invalid++
		return
	}

	r.Evaluated++
	r.Findings += int64(o.findings)
	r.Tokens += int64(o.tokens)
	r.Collisions += int64(o.collisions)
	r.LeakedValues += int64(o.leaked)
	if !o.roundTrip {
		r.RoundTripFailures++
	}
	for name, s := range o.scores {
		total := r.score(name)
		total.TruePositives += s.TruePositives
		total.FalsePositives += s.FalsePositives
		total.FalseNegatives += s.FalseNegatives
	}
}

// csvBatches reads a CSV with a header naming text and expected_types columns
func (p *Pipeline) csvBatches(file io.Reader) (func() ([]Record, error), error) {
	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	textCol, typesCol := -1, -1
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "text":
			textCol = i
		case "expected_types":
			typesCol = i
		}
	}
	if textCol < 0 {
		return nil, fmt.Errorf("CSV header has no text column: %v", header)
	}

	p.logger.Debug("CSV header detected", zap.Strings("columns", header))

	return func() ([]Record, error) {
		var batch []Record
		for len(batch) < p.config.BatchSize {
			row, err := reader.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				p.logger.Warn("Failed to read CSV record", zap.Error(err))
				continue
			}
			if textCol >= len(row) {
				p.logger.Warn("Invalid CSV record length", zap.Int("length", len(row)))
				continue
			}

			rec := Record{Text: row[textCol]}
			if typesCol >= 0 && typesCol < len(row) {
				rec.ExpectedTypes = row[typesCol]
			}
			batch = append(batch, rec)
		}
		return batch, nil
	}, nil
}

// parquetBatches reads Parquet rows shaped like Record
func (p *Pipeline) parquetBatches(file *os.File) (func() ([]Record, error), error) {
	reader := parquet.NewReader(file)

	return func() ([]Record, error) {
		var batch []Record
		for len(batch) < p.config.BatchSize {
			var rec Record
			err := reader.Read(&rec)
			if err == io.EOF {
				break
			}
			if err != nil {
				return batch, fmt.Errorf("failed to read Parquet record: %w", err)
			}
			batch = append(batch, rec)
		}
		return batch, nil
	}, nil
}

// jsonBatches reads one JSON object per line
func (p *Pipeline) jsonBatches(file io.Reader) func() ([]Record, error) {
	decoder := json.NewDecoder(file)

	return func() ([]Record, error) {
		var batch []Record
		for len(batch) < p.config.BatchSize {
			var rec Record
			err := decoder.Decode(&rec)
			if err == io.EOF {
				break
			}
			if err != nil {
				// a syntax error leaves the decoder unusable
				return batch, fmt.Errorf("failed to read JSON record: %w", err)
			}
			batch = append(batch, rec)
		}
		return batch, nil
	}
}

// reportProgress reports current processing progress
func (p *Pipeline) reportProgress(report *Report, start time.Time) {
	elapsed := time.Since(start)
	p.logger.Info("Eval progress",
		zap.Int64("records_processed", report.TotalRecords),
		zap.Int64("invalid", report.Invalid),
		zap.Float64("rate_per_sec", float64(report.TotalRecords)/elapsed.Seconds()),
		zap.Duration("elapsed", elapsed))
}
