package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/opensource-finance/fraudproof/internal/domain"
	"github.com/opensource-finance/fraudproof/internal/model"
	"github.com/opensource-finance/fraudproof/internal/scoring"
)

const (
	labelColumnDefault = "is_fraud"
	workersDefault     = 4
)

var (
	csvPathFlag = &cli.StringFlag{
		Name:     "csv",
		Usage:    "Path to a labelled CSV file (header row required)",
		Required: true,
	}

	scoreDomainFlag = &cli.StringFlag{
		Name:     "domain",
		Usage:    "Transaction domain of every row [bank, vehicle, ecommerce, ethereum]",
		Required: true,
	}

	labelFlag = &cli.StringFlag{
		Name:  "label",
		Usage: "Column holding the ground truth (1/0, true/false, yes/no)",
		Value: labelColumnDefault,
	}

	limitFlag = &cli.IntFlag{
		Name:  "limit",
		Usage: "Maximum rows to replay (0 = all)",
	}

	workersFlag = &cli.IntFlag{
		Name:  "workers",
		Usage: "Number of concurrent scorers",
		Value: workersDefault,
	}

	modelDirFlag = &cli.StringFlag{
		Name:  "model-dir",
		Usage: "Directory with <domain>_model.json artifacts (defaults to MODEL_DIR)",
	}

	scoreCmd = &cli.Command{
		Name:   "score",
		Usage:  "Replay a labelled CSV through the local models and report detection quality",
		Action: cmdScore,
		Flags: []cli.Flag{
			csvPathFlag,
			scoreDomainFlag,
			labelFlag,
			limitFlag,
			workersFlag,
			modelDirFlag,
		},
	}
)

// Scorer is the slice of the pipeline the replay needs.
type Scorer interface {
	Score(ctx context.Context, raw domain.RawTransaction, d domain.TransactionDomain) *scoring.Result
}

// LabelledRow is one CSV row with its ground truth split off.
type LabelledRow struct {
	Raw   domain.RawTransaction
	Fraud bool
}

// Metrics tracks replay results. Counters are updated atomically.
type Metrics struct {
	TruePositives  int64 // Fraud flagged
	FalsePositives int64 // Legitimate flagged
	TrueNegatives  int64 // Legitimate passed
	FalseNegatives int64 // Fraud passed (missed fraud!)

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64
}

func (m *Metrics) record(predicted, actual bool) {
	atomic.AddInt64(&m.TotalProcessed, 1)
	if actual {
		atomic.AddInt64(&m.TotalFraud, 1)
	} else {
		atomic.AddInt64(&m.TotalNonFraud, 1)
	}

	switch {
	case predicted && actual:
		atomic.AddInt64(&m.TruePositives, 1)
	case predicted && !actual:
		atomic.AddInt64(&m.FalsePositives, 1)
	case !predicted && !actual:
		atomic.AddInt64(&m.TrueNegatives, 1)
	default:
		atomic.AddInt64(&m.FalseNegatives, 1)
	}
}

// Precision is the share of flagged rows that were actual fraud.
func (m *Metrics) Precision() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
}

// Recall is the share of fraud rows that were flagged.
func (m *Metrics) Recall() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
}

func (m *Metrics) F1() float64 {
	p, r := m.Precision(), m.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * (p * r) / (p + r)
}

func (m *Metrics) Accuracy() float64 {
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	return ratio(m.TruePositives+m.TrueNegatives, total)
}

func ratio(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// ConfusionMatrix is the printable form of the four outcome counters.
type ConfusionMatrix struct {
	TruePositives  int64 `json:"true_positives" yaml:"true_positives"`
	FalseNegatives int64 `json:"false_negatives" yaml:"false_negatives"`
	FalsePositives int64 `json:"false_positives" yaml:"false_positives"`
	TrueNegatives  int64 `json:"true_negatives" yaml:"true_negatives"`
}

// ScoreReport is what `fraudctl score` prints.
type ScoreReport struct {
	Domain       string          `json:"domain" yaml:"domain"`
	ModelVersion string          `json:"model_version" yaml:"model_version"`
	Threshold    int             `json:"threshold" yaml:"threshold"`
	Processed    int64           `json:"processed" yaml:"processed"`
	Fraud        int64           `json:"fraud" yaml:"fraud"`
	NonFraud     int64           `json:"non_fraud" yaml:"non_fraud"`
	Errors       int64           `json:"errors" yaml:"errors"`
	Matrix       ConfusionMatrix `json:"confusion_matrix" yaml:"confusion_matrix"`
	Precision    float64         `json:"precision" yaml:"precision"`
	Recall       float64         `json:"recall" yaml:"recall"`
	F1           float64         `json:"f1" yaml:"f1"`
	Accuracy     float64         `json:"accuracy" yaml:"accuracy"`
	Duration     string          `json:"duration" yaml:"duration"`
}

func newScoreReport(d domain.TransactionDomain, version string, threshold int, m *Metrics, elapsed time.Duration) *ScoreReport {
	return &ScoreReport{
		Domain:       d.String(),
		ModelVersion: version,
		Threshold:    threshold,
		Processed:    m.TotalProcessed,
		Fraud:        m.TotalFraud,
		NonFraud:     m.TotalNonFraud,
		Errors:       m.TotalErrors,
		Matrix: ConfusionMatrix{
			TruePositives:  m.TruePositives,
			FalseNegatives: m.FalseNegatives,
			FalsePositives: m.FalsePositives,
			TrueNegatives:  m.TrueNegatives,
		},
		Precision: m.Precision(),
		Recall:    m.Recall(),
		F1:        m.F1(),
		Accuracy:  m.Accuracy(),
		Duration:  elapsed.Round(time.Millisecond).String(),
	}
}

func cmdScore(ctx context.Context, cmd *cli.Command) error {
	d, err := domain.ParseDomain(cmd.String(scoreDomainFlag.Name))
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if dir := cmd.String(modelDirFlag.Name); dir != "" {
		cfg.Models.Dir = dir
	}

	registry, err := model.Load(cfg.Models)
	if err != nil {
		return fmt.Errorf("loading models: %w", err)
	}

	f, err := os.Open(cmd.String(csvPathFlag.Name))
	if err != nil {
		return err
	}
	defer f.Close()

	rows, err := readLabelled(f, cmd.String(labelFlag.Name), cmd.Int(limitFlag.Name))
	if err != nil {
		return err
	}
	slog.Info("replaying labelled rows", "domain", d, "rows", len(rows), "model_version", cfg.Models.Version)

	start := time.Now()
	m := replay(ctx, scoring.NewPipeline(registry), d, rows, cfg.Anchoring.Threshold, cmd.Int(workersFlag.Name))

	return encode(os.Stdout, newScoreReport(d, cfg.Models.Version, cfg.Anchoring.Threshold, m, time.Since(start)))
}

// readLabelled parses a CSV with a header row. Every column except the
// label becomes a raw transaction field; the feature transformers parse
// numeric strings. Rows with an unreadable label or shape are skipped.
func readLabelled(r io.Reader, labelColumn string, limit int) ([]LabelledRow, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	labelIdx := -1
	for i, col := range header {
		header[i] = strings.TrimSpace(col)
		if strings.EqualFold(header[i], labelColumn) {
			labelIdx = i
		}
	}
	if labelIdx < 0 {
		return nil, fmt.Errorf("label column %q not found in header", labelColumn)
	}

	var rows []LabelledRow
	skipped := 0

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			skipped++
			continue
		}

		fraud, ok := parseLabel(record[labelIdx])
		if !ok {
			skipped++
			continue
		}

		raw := make(domain.RawTransaction, len(header)-1)
		for i, col := range header {
			if i == labelIdx {
				continue
			}
			raw[col] = record[i]
		}
		rows = append(rows, LabelledRow{Raw: raw, Fraud: fraud})

		if limit > 0 && len(rows) >= limit {
			break
		}
	}

	if skipped > 0 {
		slog.Warn("skipped malformed rows", "count", skipped)
	}
	return rows, nil
}

func parseLabel(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "fraud":
		return true, true
	case "no", "n", "legit":
		return false, true
	}
	if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
		return b, true
	}
	if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		return f >= 0.5, true
	}
	return false, false
}

// replay scores rows with a bounded pool. A row counts as flagged when its
// score would be anchored: strictly above threshold.
func replay(ctx context.Context, scorer Scorer, d domain.TransactionDomain, rows []LabelledRow, threshold, workers int) *Metrics {
	if workers < 1 {
		workers = 1
	}

	m := &Metrics{}
	work := make(chan LabelledRow, workers*2)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for row := range work {
				res := scorer.Score(ctx, row.Raw, d)
				if !res.OK() {
					atomic.AddInt64(&m.TotalErrors, 1)
					slog.Debug("row failed to score", "error", res.Err)
					continue
				}
				m.record(res.FraudScore > threshold, row.Fraud)
			}
		}()
	}

	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		work <- row
	}
	close(work)

	wg.Wait()
	return m
}
