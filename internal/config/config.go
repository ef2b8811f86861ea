// Package config loads runtime settings from defaults, an optional .env file
// and the process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every setting the server reads at startup.
type Config struct {
	HTTPAddr    string
	MetricsAddr string
	AssetsDir   string

	CameraProvider string
	PreviewFPS     int

	APIKey        string
	ModelEndpoint string
	Threshold     float64
	BaseURL       string
	Timeout       time.Duration

	MaxUploadBytes   int64
	MaxWebRTCClients int
	STUNServers      []string
	AllowedOrigins   []string

	LogLevel string
	LogColor bool
}

// Default returns the settings used when nothing is overridden.
func Default() Config {
	return Config{
		HTTPAddr:         ":8080",
		MetricsAddr:      "",
		CameraProvider:   "testpattern",
		PreviewFPS:       10,
		Threshold:        0.4,
		BaseURL:          "https://detect.roboflow.com",
		Timeout:          30 * time.Second,
		MaxUploadBytes:   20 << 20,
		MaxWebRTCClients: 4,
		STUNServers:      []string{"stun:stun.l.google.com:19302"},
		LogLevel:         "info",
		LogColor:         true,
	}
}

// LoadEnv reads the given .env files (".env" when none are named) and then
// the environment. Missing files are ignored; variables already set in the
// environment win over the files.
func LoadEnv(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from defaults and the variables lookup finds.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	p := parser{lookup: lookup}

	p.str("CRACK_HTTP_ADDR", &cfg.HTTPAddr)
	p.str("CRACK_METRICS_ADDR", &cfg.MetricsAddr)
	p.str("CRACK_ASSETS_DIR", &cfg.AssetsDir)
	p.str("CRACK_CAMERA_PROVIDER", &cfg.CameraProvider)
	p.integer("CRACK_PREVIEW_FPS", &cfg.PreviewFPS)
	p.str("ROBOFLOW_API_KEY", &cfg.APIKey)
	p.str("ROBOFLOW_MODEL_ENDPOINT", &cfg.ModelEndpoint)
	p.float("ROBOFLOW_THRESHOLD", &cfg.Threshold)
	p.str("ROBOFLOW_BASE_URL", &cfg.BaseURL)
	p.duration("ROBOFLOW_TIMEOUT", &cfg.Timeout)
	p.int64("CRACK_MAX_UPLOAD_BYTES", &cfg.MaxUploadBytes)
	p.integer("CRACK_WEBRTC_MAX_CLIENTS", &cfg.MaxWebRTCClients)
	p.list("CRACK_STUN_SERVERS", &cfg.STUNServers)
	p.list("CRACK_ALLOWED_ORIGINS", &cfg.AllowedOrigins)
	p.str("CRACK_LOG_LEVEL", &cfg.LogLevel)
	p.boolean("CRACK_LOG_COLOR", &cfg.LogColor)

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate checks ranges that cannot be fixed up silently.
func (c Config) Validate() error {
	var errs []error
	if c.PreviewFPS <= 0 || c.PreviewFPS > 60 {
		errs = append(errs, fmt.Errorf("preview fps %d out of range 1..60", c.PreviewFPS))
	}
	if math.IsNaN(c.Threshold) || c.Threshold < 0 || c.Threshold > 1 {
		errs = append(errs, fmt.Errorf("threshold %v out of range 0..1", c.Threshold))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("detection timeout must be positive"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("max upload bytes must be positive"))
	}
	if c.MaxWebRTCClients < 0 {
		errs = append(errs, fmt.Errorf("max webrtc clients must not be negative"))
	}
	if c.HTTPAddr == "" {
		errs = append(errs, fmt.Errorf("http address is required"))
	}
	return errors.Join(errs...)
}

// SplitList splits a comma separated flag or variable, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) get(key string) (string, bool) {
	v, ok := p.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.get(key); ok {
		*dst = v
	}
}

func (p *parser) integer(key string, dst *int) {
	if v, ok := p.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (p *parser) int64(key string, dst *int64) {
	if v, ok := p.get(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (p *parser) float(key string, dst *float64) {
	if v, ok := p.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}

// duration accepts Go durations ("15s") or a bare number of seconds.
func (p *parser) duration(key string, dst *time.Duration) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = time.Duration(secs * float64(time.Second))
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

func (p *parser) boolean(key string, dst *bool) {
	if v, ok := p.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (p *parser) list(key string, dst *[]string) {
	if v, ok := p.get(key); ok {
		*dst = SplitList(v)
	}
}
