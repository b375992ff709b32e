package flowstore

import (
	"time"

	"NetSentry/internal/model"
)

// featureColumns names the 37 feature columns as they appear in the table,
// in canonical vector order.
var featureColumns = []string{
	"flow_duration",
	"header_length",
	"protocol_type",
	"duration",
	"rate",
	"drate",
	"fin_flag_number",
	"syn_flag_number",
	"psh_flag_number",
	"ack_flag_number",
	"ece_flag_number",
	"cwr_flag_number",
	"syn_count",
	"fin_count",
	"urg_count",
	"rst_count",
	"http",
	"https",
	"dns",
	"telnet",
	"smtp",
	"ssh",
	"irc",
	"tcp",
	"udp",
	"dhcp",
	"arp",
	"icmp",
	"ipv",
	"tot_sum",
	"min_size",
	"max_size",
	"avg_size",
	"tot_size",
	"iat",
	"covariance",
	"variance",
}

// ExportFilter narrows an export stream. Zero values mean "any".
type ExportFilter struct {
	Label         string
	MinConfidence float64
	Since         time.Time
	Limit         int
}

// Stats is the aggregate view over a recent window of persisted flows.
type Stats struct {
	Total      int64                    `json:"total"`
	ByLabel    map[string]int64         `json:"by_label"`
	BySeverity map[model.Severity]int64 `json:"by_severity"`
}

// Backend is one storage engine behind the flow store. Implementations are
// called from the single writer goroutine only.
type Backend interface {
	Insert(rec *model.FlowRecord) error
	Recent(limit int, since time.Time) ([]model.FlowRecord, error)
	ByAttack(label string, limit int) ([]model.FlowRecord, error)
	Statistics(hours int) (Stats, error)
	// Each streams matching records to fn in id order; fn returning an
	// error aborts the scan.
	Each(filter ExportFilter, fn func(*model.FlowRecord) error) error
	// Sweep deletes rows older than the cutoff and reports how many went.
	Sweep(olderThan time.Time) (int64, error)
	Close() error
}
