package flowstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"NetSentry/internal/model"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// sqlBackend serves both sqlite and postgresql through database/sql; the two
// differ only in driver name, placeholder style and autoincrement syntax.
type sqlBackend struct {
	db       *sql.DB
	postgres bool
}

// OpenSQLite opens (or creates) the flow database under dir.
func OpenSQLite(dir string) (Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create flow store directory: %w", err)
	}
	path := filepath.Join(dir, "flows.db")
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite flow store: %w", err)
	}
	b := &sqlBackend{db: db}
	if err := b.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// OpenPostgres connects to the given postgresql URL.
func OpenPostgres(url string) (Backend, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgresql flow store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgresql: %w", err)
	}
	b := &sqlBackend{db: db, postgres: true}
	if err := b.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *sqlBackend) initSchema() error {
	idCol := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if b.postgres {
		idCol = "id BIGSERIAL PRIMARY KEY"
	}
	var cols strings.Builder
	for _, c := range featureColumns {
		fmt.Fprintf(&cols, "\t\t%s DOUBLE PRECISION NOT NULL DEFAULT 0,\n", c)
	}
	table := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS flows (
		%s,
		timestamp DOUBLE PRECISION NOT NULL,
		src_ip TEXT NOT NULL,
		dst_ip TEXT NOT NULL,
		protocol INTEGER NOT NULL,
		src_port INTEGER NOT NULL,
		dst_port INTEGER NOT NULL,
%s		predicted_label TEXT NOT NULL,
		severity TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		method TEXT NOT NULL,
		emitted BOOLEAN NOT NULL DEFAULT FALSE,
		ground_truth_label TEXT,
		label_verified BOOLEAN NOT NULL DEFAULT FALSE
	)`, idCol, cols.String())

	// One statement per Exec: postgres rejects multi-statement strings on
	// the extended protocol.
	statements := []string{
		table,
		"CREATE INDEX IF NOT EXISTS idx_flows_time_label ON flows(timestamp, predicted_label)",
		"CREATE INDEX IF NOT EXISTS idx_flows_endpoints ON flows(src_ip, dst_ip)",
		"CREATE INDEX IF NOT EXISTS idx_flows_label ON flows(predicted_label)",
	}
	for _, stmt := range statements {
		if _, err := b.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to init flow schema: %w", err)
		}
	}
	return nil
}

// placeholders renders n placeholders in the dialect's style.
func (b *sqlBackend) placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		if b.postgres {
			parts[i] = fmt.Sprintf("$%d", i+1)
		} else {
			parts[i] = "?"
		}
	}
	return strings.Join(parts, ", ")
}

// rebind rewrites ?-style placeholders for postgres.
func (b *sqlBackend) rebind(query string) string {
	if !b.postgres {
		return query
	}
	var out strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&out, "$%d", n)
		} else {
			out.WriteRune(r)
		}
	}
	return out.String()
}

var insertColumns = append([]string{
	"timestamp", "src_ip", "dst_ip", "protocol", "src_port", "dst_port",
}, append(append([]string{}, featureColumns...),
	"predicted_label", "severity", "confidence", "method", "emitted",
	"ground_truth_label", "label_verified")...)

func (b *sqlBackend) Insert(rec *model.FlowRecord) error {
	args := make([]interface{}, 0, len(insertColumns))
	args = append(args, rec.Timestamp, rec.SrcIP, rec.DstIP, rec.Protocol, rec.SrcPort, rec.DstPort)
	for i := range featureColumns {
		var v float64
		if i < len(rec.Features) {
			v = rec.Features[i]
		}
		args = append(args, v)
	}
	args = append(args, rec.PredictedLabel, string(rec.Severity), rec.Confidence, rec.Method,
		rec.Emitted, rec.GroundTruthLabel, rec.LabelVerified)

	query := fmt.Sprintf("INSERT INTO flows (%s) VALUES (%s)",
		strings.Join(insertColumns, ", "), b.placeholders(len(insertColumns)))
	_, err := b.db.Exec(query, args...)
	return err
}

const selectColumns = "id, timestamp, src_ip, dst_ip, protocol, src_port, dst_port, " +
	"predicted_label, severity, confidence, method, emitted, ground_truth_label, label_verified"

func (b *sqlBackend) scanRecord(rows *sql.Rows, withFeatures bool) (*model.FlowRecord, error) {
	rec := &model.FlowRecord{}
	var severity string
	var groundTruth sql.NullString
	dest := []interface{}{
		&rec.ID, &rec.Timestamp, &rec.SrcIP, &rec.DstIP, &rec.Protocol, &rec.SrcPort, &rec.DstPort,
		&rec.PredictedLabel, &severity, &rec.Confidence, &rec.Method, &rec.Emitted,
		&groundTruth, &rec.LabelVerified,
	}
	if withFeatures {
		rec.Features = make([]float64, len(featureColumns))
		for i := range rec.Features {
			dest = append(dest, &rec.Features[i])
		}
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	rec.Severity = model.Severity(severity)
	rec.GroundTruthLabel = groundTruth.String
	return rec, nil
}

func (b *sqlBackend) queryRecords(query string, args ...interface{}) ([]model.FlowRecord, error) {
	rows, err := b.db.Query(b.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.FlowRecord
	for rows.Next() {
		rec, err := b.scanRecord(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (b *sqlBackend) Recent(limit int, since time.Time) ([]model.FlowRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return b.queryRecords(
		"SELECT "+selectColumns+" FROM flows WHERE timestamp >= ? ORDER BY id DESC LIMIT ?",
		model.WallSeconds(since), limit)
}

func (b *sqlBackend) ByAttack(label string, limit int) ([]model.FlowRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return b.queryRecords(
		"SELECT "+selectColumns+" FROM flows WHERE predicted_label = ? ORDER BY id DESC LIMIT ?",
		label, limit)
}

func (b *sqlBackend) Statistics(hours int) (Stats, error) {
	stats := Stats{
		ByLabel:    make(map[string]int64),
		BySeverity: make(map[model.Severity]int64),
	}
	cutoff := model.WallSeconds(time.Now().Add(-time.Duration(hours) * time.Hour))
	rows, err := b.db.Query(b.rebind(
		"SELECT predicted_label, severity, COUNT(*) FROM flows WHERE timestamp >= ? GROUP BY predicted_label, severity"),
		cutoff)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var label, severity string
		var count int64
		if err := rows.Scan(&label, &severity, &count); err != nil {
			return stats, err
		}
		stats.Total += count
		stats.ByLabel[label] += count
		stats.BySeverity[model.Severity(severity)] += count
	}
	return stats, rows.Err()
}

func (b *sqlBackend) Each(filter ExportFilter, fn func(*model.FlowRecord) error) error {
	query := "SELECT " + selectColumns + ", " + strings.Join(featureColumns, ", ") + " FROM flows WHERE 1=1"
	var args []interface{}
	if filter.Label != "" {
		query += " AND predicted_label = ?"
		args = append(args, filter.Label)
	}
	if filter.MinConfidence > 0 {
		query += " AND confidence >= ?"
		args = append(args, filter.MinConfidence)
	}
	if !filter.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, model.WallSeconds(filter.Since))
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := b.db.Query(b.rebind(query), args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := b.scanRecord(rows, true)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (b *sqlBackend) Sweep(olderThan time.Time) (int64, error) {
	res, err := b.db.Exec(b.rebind("DELETE FROM flows WHERE timestamp < ?"), model.WallSeconds(olderThan))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (b *sqlBackend) Close() error {
	return b.db.Close()
}
