package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/execution"
)

// Format is the export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// Options selects which journaled sell attempts are exported and where.
type Options struct {
	Format      Format
	Start       time.Time
	End         time.Time
	Token       string
	Reason      string
	OnlySuccess bool
	OutputDir   string
}

// Exporter writes journaled sell attempts to files for offline review.
type Exporter struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewExporter creates a new exporter
func NewExporter(logger *zap.Logger) *Exporter {
	return &Exporter{logger: logger.Named("export"), now: time.Now}
}

// Export writes the attempts matching opts and returns the file path.
func (e *Exporter) Export(attempts []execution.Attempt, opts Options) (string, error) {
	filtered := Filter(attempts, opts)
	if len(filtered) == 0 {
		return "", fmt.Errorf("no attempts match the export criteria")
	}

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	outputPath := filepath.Join(opts.OutputDir, e.filename(opts))

	var err error
	switch opts.Format {
	case FormatCSV:
		err = e.writeCSV(filtered, outputPath)
	case FormatJSON:
		err = e.writeJSON(filtered, outputPath)
	default:
		err = fmt.Errorf("unsupported format: %s", opts.Format)
	}
	if err != nil {
		return "", err
	}

	e.logger.Info("Sell attempts exported",
		zap.String("file", outputPath),
		zap.Int("count", len(filtered)),
		zap.String("format", string(opts.Format)))
	return outputPath, nil
}

// Filter applies opts to attempts and orders the result by time.
func Filter(attempts []execution.Attempt, opts Options) []execution.Attempt {
	var out []execution.Attempt
	for _, a := range attempts {
		if !opts.Start.IsZero() && a.At.Before(opts.Start) {
			continue
		}
		if !opts.End.IsZero() && !a.At.Before(opts.End) {
			continue
		}
		if opts.Token != "" && a.Token != opts.Token {
			continue
		}
		if opts.Reason != "" && a.Reason != opts.Reason {
			continue
		}
		if opts.OnlySuccess && a.Outcome != execution.OutcomeSuccess {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

func (e *Exporter) filename(opts Options) string {
	prefix := "sells_all"
	if opts.Reason != "" {
		prefix = "sells_" + opts.Reason
	}
	if opts.Token != "" {
		tok := opts.Token
		if len(tok) > 8 {
			tok = tok[:8]
		}
		prefix += "_" + tok
	}
	return fmt.Sprintf("%s_%s.%s", prefix, e.now().Format("20060102_150405"), opts.Format)
}

var csvHeaders = []string{
	"at", "decision_id", "token", "reason", "chunk", "attempt", "forced", "protocol",
	"slippage_bps", "priority", "priority_fee", "route", "amount", "outcome", "filled",
	"price", "submission_id", "duration_ms", "error",
}

func csvRow(a execution.Attempt) []string {
	return []string{
		a.At.UTC().Format(time.RFC3339Nano),
		a.DecisionID,
		a.Token,
		a.Reason,
		strconv.Itoa(a.Chunk),
		strconv.Itoa(a.Number),
		strconv.FormatBool(a.Forced),
		a.Protocol,
		strconv.Itoa(a.SlippageBps),
		string(a.Priority.Level),
		strconv.FormatUint(a.Priority.PriorityFee, 10),
		string(a.Route),
		strconv.FormatFloat(a.Amount, 'f', -1, 64),
		string(a.Outcome),
		strconv.FormatFloat(a.Filled, 'f', -1, 64),
		strconv.FormatFloat(a.Price, 'f', -1, 64),
		a.SubmissionID,
		strconv.FormatInt(a.Duration.Milliseconds(), 10),
		a.Error,
	}
}

func (e *Exporter) writeCSV(attempts []execution.Attempt, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write(csvHeaders); err != nil {
		return fmt.Errorf("failed to write CSV headers: %w", err)
	}
	for _, a := range attempts {
		if err := w.Write(csvRow(a)); err != nil {
			return fmt.Errorf("failed to write attempt: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

type attemptJSON struct {
	At           time.Time `json:"at"`
	DecisionID   string    `json:"decision_id"`
	Token        string    `json:"token"`
	Reason       string    `json:"reason"`
	Chunk        int       `json:"chunk"`
	Number       int       `json:"attempt"`
	Forced       bool      `json:"forced"`
	Protocol     string    `json:"protocol"`
	SlippageBps  int       `json:"slippage_bps"`
	Priority     string    `json:"priority"`
	PriorityFee  uint64    `json:"priority_fee"`
	Route        string    `json:"route,omitempty"`
	Amount       float64   `json:"amount"`
	Outcome      string    `json:"outcome"`
	Filled       float64   `json:"filled"`
	Price        float64   `json:"price"`
	SubmissionID string    `json:"submission_id,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	Error        string    `json:"error,omitempty"`
}

func toJSON(attempts []execution.Attempt) []attemptJSON {
	out := make([]attemptJSON, len(attempts))
	for i, a := range attempts {
		out[i] = attemptJSON{
			At: a.At.UTC(), DecisionID: a.DecisionID, Token: a.Token, Reason: a.Reason,
			Chunk: a.Chunk, Number: a.Number, Forced: a.Forced, Protocol: a.Protocol,
			SlippageBps: a.SlippageBps, Priority: string(a.Priority.Level), PriorityFee: a.Priority.PriorityFee,
			Route: string(a.Route), Amount: a.Amount, Outcome: string(a.Outcome), Filled: a.Filled,
			Price: a.Price, SubmissionID: a.SubmissionID, DurationMS: a.Duration.Milliseconds(), Error: a.Error,
		}
	}
	return out
}

func (e *Exporter) writeJSON(attempts []execution.Attempt, path string) error {
	doc := struct {
		ExportTime time.Time     `json:"export_time"`
		Count      int           `json:"count"`
		Summary    Summary       `json:"summary"`
		Attempts   []attemptJSON `json:"attempts"`
	}{
		ExportTime: e.now().UTC(),
		Count:      len(attempts),
		Summary:    Summarize(attempts),
		Attempts:   toJSON(attempts),
	}
	return writeJSONFile(path, doc)
}

func writeJSONFile(path string, v any) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create JSON file: %w", err)
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// Summary aggregates a set of attempts.
type Summary struct {
	Attempts     int            `json:"attempts"`
	Decisions    int            `json:"decisions"`
	Succeeded    int            `json:"succeeded"`
	Failed       int            `json:"failed"`
	Forced       int            `json:"forced"`
	UniqueTokens int            `json:"unique_tokens"`
	TotalFilled  float64        `json:"total_filled"`
	SOLReceived  float64        `json:"sol_received"`
	SuccessRate  float64        `json:"success_rate"`
	AvgLatencyMS float64        `json:"avg_latency_ms"`
	ByReason     map[string]int `json:"by_reason"`
	ByProtocol   map[string]int `json:"by_protocol"`
	Start        time.Time      `json:"start"`
	End          time.Time      `json:"end"`
}

// Summarize computes totals over attempts, which must be time-ordered.
func Summarize(attempts []execution.Attempt) Summary {
	s := Summary{
		Attempts:   len(attempts),
		ByReason:   make(map[string]int),
		ByProtocol: make(map[string]int),
	}
	if len(attempts) == 0 {
		return s
	}
	s.Start = attempts[0].At
	s.End = attempts[len(attempts)-1].At

	tokens := make(map[string]struct{})
	decisions := make(map[string]struct{})
	var latency time.Duration
	for _, a := range attempts {
		tokens[a.Token] = struct{}{}
		decisions[a.DecisionID] = struct{}{}
		if a.Forced {
			s.Forced++
		}
		if a.Protocol != "" {
			s.ByProtocol[a.Protocol]++
		}
		latency += a.Duration
		switch a.Outcome {
		case execution.OutcomeSuccess:
			s.Succeeded++
			s.TotalFilled += a.Filled
			s.SOLReceived += a.Filled * a.Price
			s.ByReason[a.Reason]++
		case execution.OutcomeFailure:
			s.Failed++
		}
	}
	s.UniqueTokens = len(tokens)
	s.Decisions = len(decisions)
	s.SuccessRate = float64(s.Succeeded) / float64(s.Attempts) * 100
	s.AvgLatencyMS = float64(latency.Milliseconds()) / float64(s.Attempts)
	return s
}

// PrintSummary renders s as console tables.
func PrintSummary(w io.Writer, s Summary) {
	table := tablewriter.NewWriter(w)
	table.Header("Attempts", "Decisions", "OK", "Failed", "Forced", "Tokens", "Filled", "SOL", "Success%", "Avg ms")
	table.Append(
		strconv.Itoa(s.Attempts),
		strconv.Itoa(s.Decisions),
		strconv.Itoa(s.Succeeded),
		strconv.Itoa(s.Failed),
		strconv.Itoa(s.Forced),
		strconv.Itoa(s.UniqueTokens),
		fmt.Sprintf("%.2f", s.TotalFilled),
		fmt.Sprintf("%.4f", s.SOLReceived),
		fmt.Sprintf("%.1f", s.SuccessRate),
		fmt.Sprintf("%.0f", s.AvgLatencyMS),
	)
	table.Render()

	if len(s.ByReason) == 0 {
		return
	}
	reasons := make([]string, 0, len(s.ByReason))
	for r := range s.ByReason {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	byReason := tablewriter.NewWriter(w)
	byReason.Header("Exit reason", "Completed sells")
	for _, r := range reasons {
		byReason.Append(r, strconv.Itoa(s.ByReason[r]))
	}
	byReason.Render()
}

// DailyReport is one UTC day of sell activity.
type DailyReport struct {
	Date     time.Time     `json:"date"`
	Summary  Summary       `json:"summary"`
	Hourly   []HourlyStats `json:"hourly"`
	Attempts []attemptJSON `json:"attempts"`
}

// HourlyStats counts attempts per hour of the day.
type HourlyStats struct {
	Hour      int     `json:"hour"`
	Attempts  int     `json:"attempts"`
	Succeeded int     `json:"succeeded"`
	Failed    int     `json:"failed"`
	Filled    float64 `json:"filled"`
}

// ExportDailyReport writes the report for date's UTC day. It returns ""
// without error when there was no activity.
func (e *Exporter) ExportDailyReport(attempts []execution.Attempt, date time.Time, outputDir string) (string, error) {
	date = date.UTC()
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	day := Filter(attempts, Options{Start: start, End: start.Add(24 * time.Hour)})
	if len(day) == 0 {
		e.logger.Info("No sell activity for daily report", zap.Time("date", start))
		return "", nil
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(outputDir, fmt.Sprintf("daily_report_%s.json", start.Format("20060102")))
	report := DailyReport{
		Date:     start,
		Summary:  Summarize(day),
		Hourly:   hourly(day),
		Attempts: toJSON(day),
	}
	if err := writeJSONFile(path, report); err != nil {
		return "", err
	}

	e.logger.Info("Daily report exported",
		zap.String("file", path),
		zap.Time("date", start),
		zap.Int("attempts", len(day)))
	return path, nil
}

func hourly(attempts []execution.Attempt) []HourlyStats {
	byHour := make(map[int]*HourlyStats)
	for _, a := range attempts {
		h := a.At.UTC().Hour()
		st, ok := byHour[h]
		if !ok {
			st = &HourlyStats{Hour: h}
			byHour[h] = st
		}
		st.Attempts++
		switch a.Outcome {
		case execution.OutcomeSuccess:
			st.Succeeded++
			st.Filled += a.Filled
		case execution.OutcomeFailure:
			st.Failed++
		}
	}
	out := make([]HourlyStats, 0, len(byHour))
	for _, st := range byHour {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour < out[j].Hour })
	return out
}
