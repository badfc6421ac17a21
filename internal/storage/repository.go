package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"trove-guardian/internal/events"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertEventSQL = `INSERT INTO risk_events (
        id,
        event_ts,
        address,
        agent_id,
        strategy,
        severity,
        collateral_ratio,
        interest_rate,
        branch_avg_rate,
        branch_index,
        collateral_symbol,
        trove_id,
        detail,
        reasons,
        remediation,
        redemption_risk
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
    )
    ON CONFLICT (id) DO NOTHING;`

	eventColumns = `id,
        event_ts,
        address,
        agent_id,
        strategy,
        severity,
        collateral_ratio::text,
        interest_rate::text,
        branch_avg_rate::text,
        branch_index,
        collateral_symbol,
        trove_id,
        detail,
        reasons,
        remediation,
        redemption_risk,
        created_at`

	listEventsBetweenSQL = `SELECT ` + eventColumns + `
    FROM risk_events
    WHERE ($1 = '' OR address = $1)
      AND event_ts >= $2
      AND event_ts < $3
    ORDER BY event_ts;`

	listRecentEventsSQL = `SELECT ` + eventColumns + `
    FROM risk_events
    WHERE ($1 = '' OR address = $1)
    ORDER BY event_ts DESC
    LIMIT $2;`

	countEventsSQL = `SELECT COUNT(*) FROM risk_events;`

	deleteEventsBeforeSQL = `DELETE FROM risk_events WHERE event_ts < $1;`

	insertAlertSQL = `INSERT INTO alerts (
        event_id,
        address,
        severity,
        channels
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (event_id) DO UPDATE
    SET channels = EXCLUDED.channels
    RETURNING id, event_id, address, severity, channels, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        event_id,
        address,
        severity,
        channels,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// EventArchive defines best-effort persistence of risk events.
type EventArchive interface {
	InsertEvent(ctx context.Context, ev events.RiskEvent) error
	ListEventsBetween(ctx context.Context, address string, from, to time.Time) ([]EventRecord, error)
	ListRecentEvents(ctx context.Context, address string, limit int) ([]EventRecord, error)
	CountEvents(ctx context.Context) (int64, error)
	DeleteEventsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AlertStore defines operations for notification auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to archived events and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the session lock is dropped with the connection anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertEvent archives a risk event. Re-inserting the same event is a no-op.
func (s *Store) InsertEvent(ctx context.Context, ev events.RiskEvent) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var remediation interface{}
	if ev.Remediation != "" {
		remediation = ev.Remediation
	}
	reasons := ev.Reasons
	if reasons == nil {
		reasons = []string{}
	}

	_, execErr := pool.Exec(ctx, insertEventSQL,
		ev.ID,
		ev.Timestamp,
		strings.ToLower(ev.Address),
		ev.AgentID,
		ev.Strategy,
		ev.Severity,
		ev.CollateralRatio.String(),
		ev.InterestRate.String(),
		ev.BranchAvgRate.String(),
		ev.BranchIndex,
		ev.CollateralSymbol,
		ev.TroveID,
		ev.Detail,
		reasons,
		remediation,
		ev.RedemptionRisk,
	)
	if execErr != nil {
		return fmt.Errorf("insert risk event: %w", execErr)
	}
	return nil
}

// ListEventsBetween lists events within a time window. An empty address matches all.
func (s *Store) ListEventsBetween(ctx context.Context, address string, from, to time.Time) ([]EventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listEventsBetweenSQL, strings.ToLower(address), from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list events between: %w", queryErr)
	}
	defer rows.Close()

	return collectEvents(rows, 0)
}

// ListRecentEvents lists the newest events ordered by descending timestamp.
func (s *Store) ListRecentEvents(ctx context.Context, address string, limit int) ([]EventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentEventsSQL, strings.ToLower(address), limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent events: %w", queryErr)
	}
	defer rows.Close()

	return collectEvents(rows, limit)
}

// CountEvents counts archived events.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countEventsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count events: %w", scanErr)
	}
	return count, nil
}

// DeleteEventsBefore prunes archived events.
func (s *Store) DeleteEventsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteEventsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete events before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// InsertAlert persists a notification dispatch.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	channels := alert.Channels
	if channels == nil {
		channels = []string{}
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.EventID,
		strings.ToLower(alert.Address),
		alert.Severity,
		channels,
	)

	var rec AlertRecord
	if scanErr := row.Scan(
		&rec.ID,
		&rec.EventID,
		&rec.Address,
		&rec.Severity,
		&rec.Channels,
		&rec.CreatedAt,
	); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent notifications.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.EventID,
			&rec.Address,
			&rec.Severity,
			&rec.Channels,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func collectEvents(rows pgx.Rows, capacity int) ([]EventRecord, error) {
	records := make([]EventRecord, 0, capacity)
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanEvent(rows pgx.Rows) (EventRecord, error) {
	var (
		rec         EventRecord
		ratioStr    string
		rateStr     string
		avgStr      string
		remediation sql.NullString
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.Timestamp,
		&rec.Address,
		&rec.AgentID,
		&rec.Strategy,
		&rec.Severity,
		&ratioStr,
		&rateStr,
		&avgStr,
		&rec.BranchIndex,
		&rec.CollateralSymbol,
		&rec.TroveID,
		&rec.Detail,
		&rec.Reasons,
		&remediation,
		&rec.RedemptionRisk,
		&rec.CreatedAt,
	); err != nil {
		return EventRecord{}, err
	}

	var err error
	if rec.CollateralRatio, err = decimal.NewFromString(ratioStr); err != nil {
		return EventRecord{}, fmt.Errorf("parse collateral ratio: %w", err)
	}
	if rec.InterestRate, err = decimal.NewFromString(rateStr); err != nil {
		return EventRecord{}, fmt.Errorf("parse interest rate: %w", err)
	}
	if rec.BranchAvgRate, err = decimal.NewFromString(avgStr); err != nil {
		return EventRecord{}, fmt.Errorf("parse branch average: %w", err)
	}
	if remediation.Valid {
		rec.Remediation = remediation.String
	}
	return rec, nil
}

var (
	_ EventArchive   = (*Store)(nil)
	_ AlertStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
