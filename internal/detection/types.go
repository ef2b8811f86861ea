package detection

import (
	"context"
	"time"
)

// Shape is the geometry kind of a prediction.
type Shape string

const (
	ShapeBox     Shape = "box"
	ShapePolygon Shape = "polygon"
)

// Point is an image coordinate in pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box is a center-based bounding box in pixels.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Geometry is either a box or a polygon, as returned by the service.
type Geometry struct {
	Shape  Shape   `json:"shape"`
	Box    Box     `json:"box"`
	Points []Point `json:"points,omitempty"`
}

// Bounds returns the axis-aligned extent of the geometry.
func (g Geometry) Bounds() (minX, minY, maxX, maxY float64) {
	if g.Shape == ShapePolygon && len(g.Points) > 0 {
		minX, minY = g.Points[0].X, g.Points[0].Y
		maxX, maxY = minX, minY
		for _, p := range g.Points[1:] {
			minX = min(minX, p.X)
			minY = min(minY, p.Y)
			maxX = max(maxX, p.X)
			maxY = max(maxY, p.Y)
		}
		return minX, minY, maxX, maxY
	}
	return g.Box.X - g.Box.Width/2, g.Box.Y - g.Box.Height/2,
		g.Box.X + g.Box.Width/2, g.Box.Y + g.Box.Height/2
}

// Prediction is one labeled region.
type Prediction struct {
	Label       string   `json:"label"`
	Confidence  float64  `json:"confidence"`
	ClassID     int      `json:"class_id"`
	DetectionID string   `json:"detection_id,omitempty"`
	Geometry    Geometry `json:"geometry"`
}

// ImageSize is the image size the service reports it analyzed.
type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Result is the ordered set of predictions for one request.
type Result struct {
	RequestID     string        `json:"request_id"`
	Predictions   []Prediction  `json:"predictions"`
	Image         ImageSize     `json:"image"`
	InferenceID   string        `json:"inference_id,omitempty"`
	InferenceTime float64       `json:"inference_time"`
	Elapsed       time.Duration `json:"-"`
}

// Request is an image together with the configuration snapshot taken at submit time.
type Request struct {
	ID     string
	Image  []byte
	Config Config
}

// Service is the remote detection capability.
// Implementations should return *Failure values; other errors are classified by the Client.
type Service interface {
	Detect(ctx context.Context, req Request) (*Result, error)
}
