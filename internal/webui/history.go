package webui

import (
	"sync"
	"time"

	"github.com/crackvision/crack-detector/internal/detection"
)

const historyLimit = 8

// HistoryEntry summarizes one finished detection request.
type HistoryEntry struct {
	RequestID      string    `json:"request_id,omitempty"`
	Filename       string    `json:"filename"`
	Timestamp      time.Time `json:"timestamp"`
	NumPredictions int       `json:"num_predictions"`
	TopConfidence  float64   `json:"top_confidence"`
	Labels         []string  `json:"labels"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	Version        int       `json:"version"`
}

// History keeps the most recent detection outcomes, newest first.
type History struct {
	mu      sync.Mutex
	version int
	entries []HistoryEntry
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{}
}

// Record stores the outcome of a request. Exactly one of result or err is non-nil.
func (h *History) Record(filename string, at time.Time, result *detection.Result, err error) HistoryEntry {
	entry := HistoryEntry{
		Filename:  filename,
		Timestamp: at,
		Labels:    []string{},
	}
	if err != nil {
		entry.ErrorKind = errorKind(err)
	}
	if result != nil {
		entry.RequestID = result.RequestID
		entry.NumPredictions = len(result.Predictions)
		seen := make(map[string]bool)
		for _, p := range result.Predictions {
			entry.TopConfidence = max(entry.TopConfidence, p.Confidence)
			if !seen[p.Label] {
				seen[p.Label] = true
				entry.Labels = append(entry.Labels, p.Label)
			}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.version++
	entry.Version = h.version
	h.entries = append([]HistoryEntry{entry}, h.entries...)
	if len(h.entries) > historyLimit {
		h.entries = h.entries[:historyLimit]
	}
	return entry
}

// Snapshot returns a copy of the entries and the current version.
func (h *History) Snapshot() ([]HistoryEntry, int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	historyCopy := make([]HistoryEntry, len(h.entries))
	copy(historyCopy, h.entries)
	return historyCopy, h.version
}
