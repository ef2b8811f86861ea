package detection

import (
	"fmt"
	"math"
	"strings"
)

// Config holds the connection parameters for the detection service.
type Config struct {
	APIKey        string  `json:"api_key"`
	ModelEndpoint string  `json:"model_endpoint"`
	Threshold     float64 `json:"threshold"`
}

// IsConfigured reports whether both the API key and the model endpoint are
// non-empty after trimming whitespace.
func (c Config) IsConfigured() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.ModelEndpoint) != ""
}

// Validate checks the threshold range. Credentials are checked at detect time.
func (c Config) Validate() error {
	if math.IsNaN(c.Threshold) || c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold %v out of range [0, 1]", c.Threshold)
	}
	return nil
}

// Endpoint identifies a hosted model version.
type Endpoint struct {
	Workspace string
	Project   string
	Version   string
}

// ParseEndpoint accepts "workspace/project/version" or "project/version".
func ParseEndpoint(s string) (Endpoint, error) {
	parts := strings.Split(strings.Trim(strings.TrimSpace(s), "/"), "/")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
		if parts[i] == "" {
			return Endpoint{}, fmt.Errorf("model endpoint %q has an empty segment", s)
		}
	}
	switch len(parts) {
	case 2:
		return Endpoint{Project: parts[0], Version: parts[1]}, nil
	case 3:
		return Endpoint{Workspace: parts[0], Project: parts[1], Version: parts[2]}, nil
	default:
		return Endpoint{}, fmt.Errorf("model endpoint %q must be project/version or workspace/project/version", s)
	}
}

func (e Endpoint) String() string {
	if e.Workspace == "" {
		return e.Project + "/" + e.Version
	}
	return e.Workspace + "/" + e.Project + "/" + e.Version
}
