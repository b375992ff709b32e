package alerts

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"NetSentry/internal/model"

	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// journal is the JSON-per-line append log behind the alert manager. Every
// create and every state change appends one full record; replay applies them
// in order so the last line for an id wins.
type journal struct {
	path string
	file *os.File
}

func openJournal(path string) (*journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create alert log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open alert log: %w", err)
	}
	return &journal{path: path, file: file}, nil
}

// append writes one record. Failures are logged, never propagated; the
// in-memory table stays authoritative for the running process.
func (j *journal) append(a *model.Alert) {
	data, err := json.Marshal(a)
	if err != nil {
		log.Warnf("Failed to encode alert %d: %v", a.ID, err)
		return
	}
	data = append(data, '\n')
	if _, err := j.file.Write(data); err != nil {
		log.Warnf("Failed to append alert %d to log: %v", a.ID, err)
	}
}

func (j *journal) close() error {
	return j.file.Close()
}

// replayJournal reads the log back into a map of final alert states plus the
// highest id seen, so the manager resumes its monotonic counter.
func replayJournal(path string) (map[int64]*model.Alert, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[int64]*model.Alert{}, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to open alert log for replay: %w", err)
	}
	defer file.Close()

	alerts := make(map[int64]*model.Alert)
	var maxID int64
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lines := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var a model.Alert
		if err := json.Unmarshal(line, &a); err != nil {
			log.Warnf("Skipping malformed alert log line: %v", err)
			continue
		}
		alerts[a.ID] = &a
		if a.ID > maxID {
			maxID = a.ID
		}
		lines++
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to scan alert log: %w", err)
	}
	if lines > 0 {
		log.Printf("Replayed %d alert log lines into %d alerts", lines, len(alerts))
	}
	return alerts, maxID, nil
}
