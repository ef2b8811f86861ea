package webui

import (
	"time"
)

// Config defines the runtime configuration for the screen server.
type Config struct {
	Addr           string
	AssetsDir      string
	PreviewFPS     int
	StatusInterval time.Duration
	MaxUploadBytes int64
	AllowedOrigins []string
}

// DefaultConfig returns the settings used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		PreviewFPS:     10,
		StatusInterval: 2 * time.Second,
		MaxUploadBytes: 20 << 20,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PreviewFPS <= 0 {
		c.PreviewFPS = def.PreviewFPS
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = def.StatusInterval
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = def.MaxUploadBytes
	}
	return c
}

func (c Config) previewInterval() time.Duration {
	return time.Second / time.Duration(c.PreviewFPS)
}
