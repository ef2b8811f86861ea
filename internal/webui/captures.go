package webui

import (
	"fmt"
	"sync"
	"time"

	"github.com/crackvision/crack-detector/internal/camera"
)

// CaptureFilename names a downloaded still frame after its UTC capture time.
func CaptureFilename(at time.Time) string {
	return fmt.Sprintf("crack-analysis-%s.png", at.UTC().Format("2006-01-02T15-04-05"))
}

// CaptureLog counts captured frames. Frames are handed to the browser, never stored.
type CaptureLog struct {
	mu           sync.Mutex
	count        int
	bytesWritten int
	lastFilename string
	lastDevice   string
	lastAt       time.Time
}

// CaptureSummary describes the captures handed out so far.
type CaptureSummary struct {
	Count        int       `json:"count"`
	BytesWritten int       `json:"bytes_written"`
	LastFilename string    `json:"last_filename,omitempty"`
	LastDevice   string    `json:"last_device_id,omitempty"`
	LastAt       time.Time `json:"last_captured_at,omitzero"`
}

// NewCaptureLog creates an empty log.
func NewCaptureLog() *CaptureLog {
	return &CaptureLog{}
}

// Record notes a capture and returns its download filename.
func (c *CaptureLog) Record(snap *camera.Snapshot) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.count++
	c.bytesWritten += len(snap.Data)
	c.lastFilename = CaptureFilename(snap.CapturedAt)
	c.lastDevice = snap.DeviceID
	c.lastAt = snap.CapturedAt
	return c.lastFilename
}

// Summary returns the capture counters and the most recent capture.
func (c *CaptureLog) Summary() CaptureSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CaptureSummary{
		Count:        c.count,
		BytesWritten: c.bytesWritten,
		LastFilename: c.lastFilename,
		LastDevice:   c.lastDevice,
		LastAt:       c.lastAt,
	}
}
