package config

import (
	"fmt"
	"net/netip"
	"os"
	"runtime"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// NetworkConfig names the capture source.
type NetworkConfig struct {
	Interface string `yaml:"interface"`
	// ReplayFile, when set, reads packets from a pcap file instead of a live
	// interface. Used by the end-to-end scenarios.
	ReplayFile string `yaml:"replay_file"`
}

// BaselineConfig controls the adaptive baseline learner.
type BaselineConfig struct {
	Enabled        bool   `yaml:"enabled" default:"true"`
	LearningPeriod int    `yaml:"learning_period" default:"3600"`
	MinOccurrences int    `yaml:"baseline_min_occurrences" default:"3"`
	PersistPath    string `yaml:"persist_path" default:"data/network_baseline.json"`
}

// DetectionConfig holds every knob of the suppression cascade.
type DetectionConfig struct {
	Mode                          string         `yaml:"mode" default:"threshold"`
	ConfidenceThreshold           float64        `yaml:"confidence_threshold" default:"0.95"`
	MinPacketThreshold            int            `yaml:"min_packet_threshold" default:"200"`
	FilterLocalhost               bool           `yaml:"filter_localhost"`
	FilterPrivateNetworks         bool           `yaml:"filter_private_networks" default:"true"`
	WhitelistPorts                []uint16       `yaml:"whitelist_ports"`
	WhitelistIPs                  []string       `yaml:"whitelist_ips"`
	CloudPrefixes                 []string       `yaml:"cloud_prefixes"`
	IgnoredAttackTypes            []string       `yaml:"ignored_attack_types"`
	LegitimatePortPacketThreshold int            `yaml:"legitimate_port_packet_threshold" default:"500"`
	AdaptiveBaseline              BaselineConfig `yaml:"adaptive_baseline"`
}

// ModelsConfig points at the frozen inference artifacts.
type ModelsConfig struct {
	MLPath           string  `yaml:"ml_path"`
	DLPath           string  `yaml:"dl_path"`
	ScalerPath       string  `yaml:"scaler_path"`
	ClassMappingPath string  `yaml:"class_mapping_path"`
	OptimalThreshold float64 `yaml:"optimal_threshold" default:"0.55"`
	MLWeight         float64 `yaml:"ml_weight" default:"0.6"`
	DLWeight         float64 `yaml:"dl_weight" default:"0.4"`
	// InferenceTimeout bounds a single scoring call, in seconds.
	InferenceTimeout float64 `yaml:"inference_timeout" default:"2"`
	Workers          int     `yaml:"workers"`
}

// DatabaseConfig selects and tunes the flow store backend.
type DatabaseConfig struct {
	Enabled             bool    `yaml:"enabled" default:"true"`
	Type                string  `yaml:"type" default:"sqlite"`
	Directory           string  `yaml:"directory" default:"data/flows"`
	URL                 string  `yaml:"url"`
	RetentionDays       int     `yaml:"retention_days" default:"30"`
	SaveBenignFlows     bool    `yaml:"save_benign_flows" default:"true"`
	SaveAttackFlows     bool    `yaml:"save_attack_flows" default:"true"`
	MinConfidenceToSave float64 `yaml:"min_confidence_to_save"`
	QueueSize           int     `yaml:"queue_size" default:"10000"`
}

// AlertsConfig controls the alert manager and its append log.
type AlertsConfig struct {
	LogPath             string `yaml:"log_path" default:"logs/alerts.jsonl"`
	DedupeWindowSeconds int    `yaml:"dedupe_window_seconds" default:"10"`
	MaxInMemory         int    `yaml:"max_in_memory" default:"10000"`
	SubscriberBuffer    int    `yaml:"subscriber_buffer" default:"1024"`
}

// AggregatorConfig bounds the flow table.
type AggregatorConfig struct {
	IdleTimeout     int `yaml:"idle_timeout" default:"60"`
	MaxFlows        int `yaml:"max_flows" default:"50000"`
	ScoreEveryN     int `yaml:"score_every_n" default:"10"`
	EvictionPeriod  int `yaml:"eviction_period" default:"10"`
	ShutdownTimeout int `yaml:"shutdown_timeout" default:"10"`
}

// EmailConfig configures the SMTP notification sink.
type EmailConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port" default:"587"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	From        string   `yaml:"from"`
	To          string   `yaml:"to"`
	MinSeverity string   `yaml:"min_severity" default:"high"`
}

// NotificationsConfig groups the out-of-band sinks.
type NotificationsConfig struct {
	Email EmailConfig `yaml:"email"`
}

// ResponseConfig controls automated defensive actions.
type ResponseConfig struct {
	Enabled               bool   `yaml:"enabled"`
	AutoBlockHighSeverity bool   `yaml:"auto_block_high_severity" default:"true"`
	BlockCommand          string `yaml:"block_command"`
}

// StatsConfig controls the statistics tracker snapshots.
type StatsConfig struct {
	SnapshotPath   string `yaml:"snapshot_path" default:"logs/statistics.json"`
	SnapshotPeriod int    `yaml:"snapshot_period" default:"60"`
	TopK           int    `yaml:"top_k" default:"20"`
}

// APIConfig configures the HTTP query surface.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr" default:":8080"`
}

// ProbeConfig configures the NATS packet transport between a remote sensor
// and the analysis engine.
type ProbeConfig struct {
	Enabled bool   `yaml:"enabled"`
	NATSURL string `yaml:"nats_url" default:"nats://127.0.0.1:4222"`
	Subject string `yaml:"subject" default:"sentry.packets"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Network       NetworkConfig       `yaml:"network"`
	Detection     DetectionConfig     `yaml:"detection"`
	Models        ModelsConfig        `yaml:"models"`
	Database      DatabaseConfig      `yaml:"database"`
	Alerts        AlertsConfig        `yaml:"alerts"`
	Aggregator    AggregatorConfig    `yaml:"aggregator"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Response      ResponseConfig      `yaml:"response"`
	Stats         StatsConfig         `yaml:"stats"`
	API           APIConfig           `yaml:"api"`
	Probe         ProbeConfig         `yaml:"probe"`
}

// DefaultWhitelistPorts is applied when the document leaves the list empty.
var DefaultWhitelistPorts = []uint16{80, 443, 53, 22, 3389}

// LoadConfig reads the configuration from a YAML file, applies defaults and
// validates the result.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply config defaults: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	cfg.applyFallbacks()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFallbacks() {
	if len(c.Detection.WhitelistPorts) == 0 {
		c.Detection.WhitelistPorts = append([]uint16(nil), DefaultWhitelistPorts...)
	}
	if c.Models.Workers <= 0 {
		c.Models.Workers = runtime.NumCPU()
		if c.Models.Workers > 4 {
			c.Models.Workers = 4
		}
	}
}

// Validate checks the document for violations that must be fatal at startup.
func (c *Config) Validate() error {
	if c.Network.Interface == "" && c.Network.ReplayFile == "" && !c.Probe.Enabled {
		return fmt.Errorf("network.interface is required")
	}
	switch c.Detection.Mode {
	case "threshold", "pure_ml":
	default:
		return fmt.Errorf("detection.mode must be 'threshold' or 'pure_ml', got %q", c.Detection.Mode)
	}
	if c.Detection.ConfidenceThreshold < 0 || c.Detection.ConfidenceThreshold > 1 {
		return fmt.Errorf("detection.confidence_threshold must be in [0,1], got %v", c.Detection.ConfidenceThreshold)
	}
	for _, cidr := range c.Detection.WhitelistIPs {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			return fmt.Errorf("detection.whitelist_ips: invalid CIDR %q: %w", cidr, err)
		}
	}
	switch c.Database.Type {
	case "sqlite", "postgresql", "clickhouse":
	default:
		return fmt.Errorf("database.type must be 'sqlite', 'postgresql' or 'clickhouse', got %q", c.Database.Type)
	}
	if c.Database.Type == "postgresql" && c.Database.Enabled && c.Database.URL == "" {
		return fmt.Errorf("database.url is required for postgresql")
	}
	if c.Models.MLWeight < 0 || c.Models.DLWeight < 0 {
		return fmt.Errorf("model weights must be non-negative")
	}
	if c.Models.OptimalThreshold < 0 || c.Models.OptimalThreshold > 1 {
		return fmt.Errorf("models.optimal_threshold must be in [0,1], got %v", c.Models.OptimalThreshold)
	}
	if c.Detection.MinPacketThreshold < 0 {
		return fmt.Errorf("detection.min_packet_threshold must be non-negative")
	}
	if sev := c.Notifications.Email.MinSeverity; sev != "low" && sev != "medium" && sev != "high" {
		return fmt.Errorf("notifications.email.min_severity must be low, medium or high, got %q", sev)
	}
	return nil
}

// WhitelistPrefixes parses detection.whitelist_ips into prefixes. Validate
// has already rejected malformed entries.
func (c *Config) WhitelistPrefixes() []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(c.Detection.WhitelistIPs))
	for _, cidr := range c.Detection.WhitelistIPs {
		if p, err := netip.ParsePrefix(cidr); err == nil {
			prefixes = append(prefixes, p)
		}
	}
	return prefixes
}
