package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"trove-guardian/internal/registry"
	"trove-guardian/internal/storage"
)

// Export renders an address's archived ratio and rate history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Address == "" {
		return errors.New("--address is required")
	}
	address := registry.Key(opts.Address)
	if !common.IsHexAddress(address) {
		return fmt.Errorf("%w: %q", registry.ErrInvalidAddress, opts.Address)
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListEventsBetween(ctx, address, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Str("address", address).Msg("no events found for export window")
		return nil
	}

	downsampled := downsampleEvents(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting events")

	if opts.CSVPath != "" {
		if err := writeEventsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeEventsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleEvents(records []storage.EventRecord, max int) []storage.EventRecord {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[len(records)-1:]
	}

	result := make([]storage.EventRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeEventsCSV(path string, records []storage.EventRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"timestamp", "address", "trove_id", "branch_index", "collateral_symbol", "severity", "collateral_ratio", "interest_rate", "branch_avg_rate", "redemption_risk", "detail", "remediation"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		record := []string{
			rec.Timestamp.UTC().Format(time.RFC3339),
			rec.Address,
			rec.TroveID,
			strconv.Itoa(rec.BranchIndex),
			rec.CollateralSymbol,
			rec.Severity,
			rec.CollateralRatio.String(),
			rec.InterestRate.String(),
			rec.BranchAvgRate.String(),
			rec.RedemptionRisk,
			rec.Detail,
			rec.Remediation,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeEventsPNG(path string, records []storage.EventRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(records))
	ratio := make([]float64, len(records))
	rate := make([]float64, len(records))
	avg := make([]float64, len(records))

	for i, rec := range records {
		x[i] = rec.Timestamp
		ratio[i] = rec.CollateralRatio.InexactFloat64()
		rate[i] = rec.InterestRate.InexactFloat64()
		avg[i] = rec.BranchAvgRate.InexactFloat64()
	}

	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Collateral ratio (%)",
			ValueFormatter: pctFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Interest rate (%)",
			ValueFormatter: pctFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Collateral ratio",
				XValues: x,
				YValues: ratio,
			},
			chart.TimeSeries{
				Name:    "Interest rate",
				XValues: x,
				YValues: rate,
				YAxis:   chart.YAxisSecondary,
			},
			chart.TimeSeries{
				Name:    "Branch average",
				XValues: x,
				YValues: avg,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
