package response

import (
	"os/exec"
	"strings"
	"sync"

	"NetSentry/internal/config"
	"NetSentry/internal/model"

	log "github.com/sirupsen/logrus"
)

// LogResponder is the default response sink: it records the action it would
// have taken and does nothing else.
type LogResponder struct{}

// React logs the intended defensive action.
func (LogResponder) React(a *model.Alert) error {
	log.WithFields(log.Fields{
		"id":       a.ID,
		"threat":   a.Threat,
		"severity": a.Severity,
		"src_ip":   a.SrcIP,
	}).Info("Response action (log only)")
	return nil
}

// ExecResponder renders a configured command template for high-severity
// alerts, typically a firewall block. Each source IP is acted on once; the
// blocked set keeps reactions idempotent across repeated alerts.
type ExecResponder struct {
	cfg config.ResponseConfig

	mu      sync.Mutex
	blocked map[string]bool
}

// NewExecResponder builds the exec-backed sink.
func NewExecResponder(cfg config.ResponseConfig) *ExecResponder {
	return &ExecResponder{cfg: cfg, blocked: make(map[string]bool)}
}

// React runs the block command for qualifying alerts. Failures are returned
// for the caller to log; they never propagate further.
func (r *ExecResponder) React(a *model.Alert) error {
	if r.cfg.AutoBlockHighSeverity && a.Severity != model.SeverityHigh {
		return nil
	}
	if r.cfg.BlockCommand == "" {
		return nil
	}

	r.mu.Lock()
	if r.blocked[a.SrcIP] {
		r.mu.Unlock()
		return nil
	}
	r.blocked[a.SrcIP] = true
	r.mu.Unlock()

	cmdline := strings.ReplaceAll(r.cfg.BlockCommand, "{ip}", a.SrcIP)
	parts := strings.Fields(cmdline)
	if len(parts) == 0 {
		return nil
	}
	log.Warnf("Blocking %s for alert %d (%s): %s", a.SrcIP, a.ID, a.Threat, cmdline)
	return exec.Command(parts[0], parts[1:]...).Run()
}

// Blocked reports whether an IP has already been acted on.
func (r *ExecResponder) Blocked(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocked[ip]
}
