package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Fs backs the file driver. nil means the OS filesystem.
	Fs afero.Fs
}

// RunRecord is one execution of a scheduled task.
// Keep it compact and schema-stable.
type RunRecord struct {
	ID       string    `json:"id"`
	Job      string    `json:"job"`
	Handle   string    `json:"handle,omitempty"`
	Due      time.Time `json:"due"`
	Started  time.Time `json:"started"`
	TookMS   int64     `json:"took_ms"`
	Lateness int64     `json:"lateness_ms,omitempty"`
	Error    string    `json:"error,omitempty"`
}

func (r RunRecord) OK() bool { return r.Error == "" }

// normalize fills in the ID and start time when the caller left them empty.
func (r RunRecord) normalize() RunRecord {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Started.IsZero() {
		r.Started = time.Now()
	}
	return r
}
