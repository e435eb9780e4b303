// Package journal appends one JSON line per HA decision to a local file, the same
// append-only shape a security audit logger would use for tamper-evident events. It
// exists so an operator can reconstruct exactly what a node decided and why across
// a failover, without having to correlate scattered log lines.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"haguard/internal/ha"
)

// Entry is one recorded decision. ID is a fresh UUID per entry; it is not carried
// by the websocket event or the log lines for the same decision.
type Entry struct {
	ID     string    `json:"id"`
	Time   time.Time `json:"time"`
	Member string    `json:"member"`
	State  string    `json:"state"`
	Leader string    `json:"leader,omitempty"`
	Action string    `json:"action"`
	Error  string    `json:"error,omitempty"`
}

// Journal appends Entry records to a file as newline-delimited JSON, mirroring
// failures to the structured logger so they are never silently lost if the file
// write itself fails.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	log  *zap.Logger
}

// Open appends to (creating if necessary) the journal file at path.
func Open(path string, log *zap.Logger) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return &Journal{file: f, log: log}, nil
}

// Record appends one decision entry for member.
func (j *Journal) Record(member string, st ha.Status) {
	entry := Entry{
		ID:     uuid.NewString(),
		Time:   time.Now(),
		Member: member,
		State:  string(st.State),
		Leader: st.Leader,
		Action: st.Action,
	}
	if st.Err != nil {
		entry.Error = st.Err.Error()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	line, err := json.Marshal(entry)
	if err != nil {
		j.log.Error("journal: marshal entry failed", zap.Error(err))
		return
	}
	line = append(line, '\n')
	if _, err := j.file.Write(line); err != nil {
		j.log.Error("journal: write entry failed", zap.Error(err))
	}
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
