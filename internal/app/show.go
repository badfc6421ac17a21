package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"trove-guardian/internal/storage"
)

// Show prints recently archived risk events, or dispatched alerts when opts.Alerts is set.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show events")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Alerts {
		alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return printAlerts(os.Stdout, alerts)
	}

	records, err := store.ListRecentEvents(ctx, opts.Address, opts.Limit)
	if err != nil {
		return err
	}
	return printEvents(os.Stdout, records)
}

func printEvents(out io.Writer, records []storage.EventRecord) error {
	if len(records) == 0 {
		fmt.Fprintln(out, "no events found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tAddress\tTrove\tSeverity\tCR%\tRate%\tAvg%\tRedemption\tDetail\tRemediation")

	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Timestamp.UTC().Format(time.RFC3339),
			rec.Address,
			rec.TroveID,
			rec.Severity,
			formatDecimal(rec.CollateralRatio, 2),
			formatDecimal(rec.InterestRate, 2),
			formatDecimal(rec.BranchAvgRate, 2),
			rec.RedemptionRisk,
			sanitizeInline(rec.Detail),
			sanitizeInline(rec.Remediation),
		)
	}

	return writer.Flush()
}

func printAlerts(out io.Writer, alerts []storage.AlertRecord) error {
	if len(alerts) == 0 {
		fmt.Fprintln(out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tAddress\tSeverity\tChannels\tEvent")
	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			alert.CreatedAt.UTC().Format(time.RFC3339),
			alert.Address,
			alert.Severity,
			strings.Join(alert.Channels, ","),
			alert.EventID,
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
