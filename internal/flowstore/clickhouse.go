package flowstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"NetSentry/internal/model"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	log "github.com/sirupsen/logrus"
)

// clickhouseBackend targets high-volume deployments where sqlite cannot keep
// up. Rows are buffered and flushed in batches.
type clickhouseBackend struct {
	conn driver.Conn

	mu      sync.Mutex
	pending []*model.FlowRecord
	lastID  int64
}

const chBatchSize = 500

// OpenClickHouse connects using a clickhouse:// DSN.
func OpenClickHouse(url string) (Backend, error) {
	opts, err := clickhouse.ParseDSN(url)
	if err != nil {
		return nil, fmt.Errorf("invalid clickhouse url: %w", err)
	}
	opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	b := &clickhouseBackend{conn: conn}
	if err := b.initSchema(); err != nil {
		conn.Close()
		return nil, err
	}
	log.Println("Connected to ClickHouse flow store")
	return b, nil
}

func (b *clickhouseBackend) initSchema() error {
	var cols strings.Builder
	for _, c := range featureColumns {
		fmt.Fprintf(&cols, "    %s Float64,\n", c)
	}
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS flows (
    id          UInt64,
    timestamp   Float64,
    src_ip      String,
    dst_ip      String,
    protocol    UInt8,
    src_port    UInt16,
    dst_port    UInt16,
%s    predicted_label String,
    severity    String,
    confidence  Float64,
    method      String,
    emitted     Bool,
    ground_truth_label String,
    label_verified Bool
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(toDateTime(timestamp))
ORDER BY (timestamp, predicted_label);
`, cols.String())
	if err := b.conn.Exec(context.Background(), schema); err != nil {
		return fmt.Errorf("failed to create clickhouse table: %w", err)
	}
	return nil
}

func (b *clickhouseBackend) Insert(rec *model.FlowRecord) error {
	b.mu.Lock()
	b.lastID++
	rec.ID = b.lastID
	b.pending = append(b.pending, rec)
	full := len(b.pending) >= chBatchSize
	b.mu.Unlock()
	if full {
		return b.flush()
	}
	return nil
}

func (b *clickhouseBackend) flush() error {
	b.mu.Lock()
	batchRecs := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(batchRecs) == 0 {
		return nil
	}
	batch, err := b.conn.PrepareBatch(context.Background(), "INSERT INTO flows")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, rec := range batchRecs {
		args := make([]interface{}, 0, 14+len(featureColumns))
		args = append(args, uint64(rec.ID), rec.Timestamp, rec.SrcIP, rec.DstIP, rec.Protocol, rec.SrcPort, rec.DstPort)
		for i := range featureColumns {
			var v float64
			if i < len(rec.Features) {
				v = rec.Features[i]
			}
			args = append(args, v)
		}
		args = append(args, rec.PredictedLabel, string(rec.Severity), rec.Confidence, rec.Method,
			rec.Emitted, rec.GroundTruthLabel, rec.LabelVerified)
		if err := batch.Append(args...); err != nil {
			return fmt.Errorf("failed to append flow to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

func (b *clickhouseBackend) queryRecords(query string, args ...interface{}) ([]model.FlowRecord, error) {
	if err := b.flush(); err != nil {
		return nil, err
	}
	rows, err := b.conn.Query(context.Background(), query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.FlowRecord
	for rows.Next() {
		var rec model.FlowRecord
		var id uint64
		var severity string
		if err := rows.Scan(&id, &rec.Timestamp, &rec.SrcIP, &rec.DstIP, &rec.Protocol, &rec.SrcPort, &rec.DstPort,
			&rec.PredictedLabel, &severity, &rec.Confidence, &rec.Method, &rec.Emitted,
			&rec.GroundTruthLabel, &rec.LabelVerified); err != nil {
			return nil, err
		}
		rec.ID = int64(id)
		rec.Severity = model.Severity(severity)
		out = append(out, rec)
	}
	return out, nil
}

const chSelectColumns = "id, timestamp, src_ip, dst_ip, protocol, src_port, dst_port, " +
	"predicted_label, severity, confidence, method, emitted, ground_truth_label, label_verified"

func (b *clickhouseBackend) Recent(limit int, since time.Time) ([]model.FlowRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return b.queryRecords(
		"SELECT "+chSelectColumns+" FROM flows WHERE timestamp >= ? ORDER BY id DESC LIMIT ?",
		model.WallSeconds(since), limit)
}

func (b *clickhouseBackend) ByAttack(label string, limit int) ([]model.FlowRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return b.queryRecords(
		"SELECT "+chSelectColumns+" FROM flows WHERE predicted_label = ? ORDER BY id DESC LIMIT ?",
		label, limit)
}

func (b *clickhouseBackend) Statistics(hours int) (Stats, error) {
	stats := Stats{
		ByLabel:    make(map[string]int64),
		BySeverity: make(map[model.Severity]int64),
	}
	if err := b.flush(); err != nil {
		return stats, err
	}
	cutoff := model.WallSeconds(time.Now().Add(-time.Duration(hours) * time.Hour))
	rows, err := b.conn.Query(context.Background(),
		"SELECT predicted_label, severity, COUNT(*) FROM flows WHERE timestamp >= ? GROUP BY predicted_label, severity",
		cutoff)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var label, severity string
		var count uint64
		if err := rows.Scan(&label, &severity, &count); err != nil {
			return stats, err
		}
		stats.Total += int64(count)
		stats.ByLabel[label] += int64(count)
		stats.BySeverity[model.Severity(severity)] += int64(count)
	}
	return stats, nil
}

func (b *clickhouseBackend) Each(filter ExportFilter, fn func(*model.FlowRecord) error) error {
	if err := b.flush(); err != nil {
		return err
	}
	query := "SELECT " + chSelectColumns + ", " + strings.Join(featureColumns, ", ") + " FROM flows WHERE 1=1"
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
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := b.conn.Query(context.Background(), query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		rec := model.FlowRecord{Features: make([]float64, len(featureColumns))}
		var id uint64
		var severity string
		dest := []interface{}{&id, &rec.Timestamp, &rec.SrcIP, &rec.DstIP, &rec.Protocol, &rec.SrcPort, &rec.DstPort,
			&rec.PredictedLabel, &severity, &rec.Confidence, &rec.Method, &rec.Emitted,
			&rec.GroundTruthLabel, &rec.LabelVerified}
		for i := range rec.Features {
			dest = append(dest, &rec.Features[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return err
		}
		rec.ID = int64(id)
		rec.Severity = model.Severity(severity)
		if err := fn(&rec); err != nil {
			return err
		}
	}
	return nil
}

// Sweep issues an asynchronous ALTER TABLE ... DELETE mutation. ClickHouse
// reports no affected-row count for it, so the returned count is always 0.
func (b *clickhouseBackend) Sweep(olderThan time.Time) (int64, error) {
	err := b.conn.Exec(context.Background(),
		"ALTER TABLE flows DELETE WHERE timestamp < ?", model.WallSeconds(olderThan))
	return 0, err
}

func (b *clickhouseBackend) Close() error {
	if err := b.flush(); err != nil {
		log.Warnf("Failed to flush pending clickhouse rows: %v", err)
	}
	return b.conn.Close()
}
