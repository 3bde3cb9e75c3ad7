package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattjoyce/logrun/internal/scope"
	"github.com/mattjoyce/logrun/internal/state"
)

// Report describes what BuildReports produced.
type Report struct {
	Path   string `json:"path"`
	Label  string `json:"label"`
	Days   int    `json:"days"`
	Hits   int64  `json:"hits"`
	Pruned int64  `json:"pruned"`
}

type reportDoc struct {
	RunID       string           `json:"run_id,omitempty"`
	GeneratedAt time.Time        `json:"generated_at"`
	Scope       string           `json:"scope"`
	Granularity string           `json:"granularity"`
	Rebuild     bool             `json:"rebuild"`
	Window      *reportWindow    `json:"window,omitempty"`
	Timezone    int              `json:"timezone"`
	Sources     []string         `json:"sources,omitempty"`
	Config      string           `json:"config,omitempty"`
	Lock        string           `json:"lock,omitempty"`
	Days        []state.DayTotal `json:"days"`
	Total       int64            `json:"total"`
}

type reportWindow struct {
	Start string `json:"start"`
	Stop  string `json:"stop"`
}

// BuildReports prunes buckets outside the retention window (when
// retentionMonths > 0) and writes report-<label>.json for the scope.
func (e *Engine) BuildReports(ctx context.Context, sc scope.Scope, retentionMonths int) (Report, error) {
	store, err := e.open(ctx)
	if err != nil {
		return Report{}, err
	}

	rep := Report{Label: sc.Label()}
	if retentionMonths > 0 {
		cutoff := retentionCutoff(time.Now(), e.opts.Timezone, retentionMonths)
		if rep.Pruned, err = store.Prune(ctx, cutoff); err != nil {
			return rep, err
		}
		e.logger.Info("pruned old statistics", "cutoff", state.BucketKey(cutoff), "rows", rep.Pruned)
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}

	from, to, _ := sc.Range()
	days, err := store.DailyTotals(ctx, from, to)
	if err != nil {
		return rep, err
	}

	doc := reportDoc{
		RunID:       e.opts.RunID,
		GeneratedAt: time.Now().UTC(),
		Scope:       sc.Label(),
		Granularity: sc.Granularity().String(),
		Rebuild:     sc.Rebuild() || e.opts.Rebuild,
		Timezone:    sc.Offset(),
		Sources:     e.opts.Sources,
		Config:      e.opts.ConfigPath,
		Days:        days,
	}
	if e.opts.LockDir != "" && e.opts.LockFile != "" {
		doc.Lock = filepath.Join(e.opts.LockDir, e.opts.LockFile)
	}
	if doc.Days == nil {
		doc.Days = []state.DayTotal{}
	}
	if sc.HasWindow() {
		start, stop := sc.Window()
		doc.Window = &reportWindow{Start: start, Stop: stop}
	}
	for _, d := range days {
		doc.Total += d.Hits
	}

	path := filepath.Join(e.opts.ReportDir, "report-"+sc.Label()+".json")
	if err := writeJSONAtomic(path, doc); err != nil {
		return rep, err
	}

	rep.Path = path
	rep.Days = len(days)
	rep.Hits = doc.Total
	e.logger.Info("report written", "path", path, "days", rep.Days, "hits", rep.Hits)
	return rep, nil
}

// retentionCutoff keeps the current month plus the previous months.
func retentionCutoff(now time.Time, offset, months int) time.Time {
	now = now.UTC().Add(time.Duration(offset) * time.Hour)
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, -months, 0)
}

func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp report: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename report: %w", err)
	}
	return nil
}
