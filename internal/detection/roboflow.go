package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// DefaultRoboflowURL is the hosted inference API.
const DefaultRoboflowURL = "https://detect.roboflow.com"

const maxResponseBytes = 8 << 20

// RoboflowService calls the Roboflow hosted inference API.
type RoboflowService struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewRoboflowService returns a service for baseURL; empty selects DefaultRoboflowURL.
func NewRoboflowService(baseURL string, httpClient *http.Client) *RoboflowService {
	if baseURL == "" {
		baseURL = DefaultRoboflowURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &RoboflowService{BaseURL: baseURL, HTTPClient: httpClient}
}

type roboflowPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type roboflowPrediction struct {
	X           float64         `json:"x"`
	Y           float64         `json:"y"`
	Width       float64         `json:"width"`
	Height      float64         `json:"height"`
	Confidence  float64         `json:"confidence"`
	Class       string          `json:"class"`
	ClassID     int             `json:"class_id"`
	DetectionID string          `json:"detection_id"`
	Points      []roboflowPoint `json:"points"`
}

type roboflowResponse struct {
	Predictions *[]roboflowPrediction `json:"predictions"`
	Image       struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"image"`
	Time        float64 `json:"time"`
	InferenceID string  `json:"inference_id"`
}

// Detect implements Service.
func (s *RoboflowService) Detect(ctx context.Context, req Request) (*Result, error) {
	endpoint, err := ParseEndpoint(req.Config.ModelEndpoint)
	if err != nil {
		return nil, fail(KindNotConfigured, err)
	}
	if strings.TrimSpace(req.Config.APIKey) == "" {
		return nil, fail(KindNotConfigured, errors.New("API key is empty"))
	}

	target, err := s.requestURL(endpoint, req.Config)
	if err != nil {
		return nil, fail(KindNotConfigured, err)
	}

	body := base64.StdEncoding.EncodeToString(req.Image)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(body))
	if err != nil {
		return nil, fail(KindNetworkFailure, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.HTTPClient.Do(httpReq)
	if err != nil {
		// url.Error embeds the request URL, which carries the API key.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, asFailure(fmt.Errorf("POST %s: %w", endpoint, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, asFailure(fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fail(KindAuthenticationRejected, fmt.Errorf("status %d: %s", resp.StatusCode, snippet(data)))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fail(KindNetworkFailure, fmt.Errorf("status %d: %s", resp.StatusCode, snippet(data)))
	}

	var decoded roboflowResponse
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&decoded); err != nil {
		return nil, fail(KindMalformedResponse, fmt.Errorf("decode response: %w", err))
	}
	if decoded.Predictions == nil {
		return nil, fail(KindMalformedResponse, errors.New("response has no predictions field"))
	}

	result := &Result{
		Predictions:   make([]Prediction, 0, len(*decoded.Predictions)),
		Image:         ImageSize{Width: decoded.Image.Width, Height: decoded.Image.Height},
		InferenceID:   decoded.InferenceID,
		InferenceTime: decoded.Time,
	}
	for _, p := range *decoded.Predictions {
		result.Predictions = append(result.Predictions, p.toPrediction())
	}
	return result, nil
}

func (s *RoboflowService) requestURL(endpoint Endpoint, cfg Config) (string, error) {
	base, err := url.Parse(strings.TrimRight(s.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	base = base.JoinPath(endpoint.Project, endpoint.Version)

	q := url.Values{}
	q.Set("api_key", strings.TrimSpace(cfg.APIKey))
	q.Set("confidence", strconv.Itoa(int(math.Round(cfg.Threshold*100))))
	q.Set("format", "json")
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func (p roboflowPrediction) toPrediction() Prediction {
	pred := Prediction{
		Label:       p.Class,
		Confidence:  p.Confidence,
		ClassID:     p.ClassID,
		DetectionID: p.DetectionID,
		Geometry: Geometry{
			Shape: ShapeBox,
			Box:   Box{X: p.X, Y: p.Y, Width: p.Width, Height: p.Height},
		},
	}
	if len(p.Points) > 0 {
		pred.Geometry.Shape = ShapePolygon
		pred.Geometry.Points = make([]Point, len(p.Points))
		for i, pt := range p.Points {
			pred.Geometry.Points[i] = Point{X: pt.X, Y: pt.Y}
		}
	}
	return pred
}

func snippet(data []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(data))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
