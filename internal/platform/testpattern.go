package platform

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"strings"
	"sync"
	"time"

	"github.com/crackvision/crack-detector/internal/camera"
)

const (
	testPatternWidth  = 640
	testPatternHeight = 480
)

// Color bars: White, Yellow, Cyan, Green, Magenta, Red, Blue, Black
var barColors = []color.RGBA{
	{R: 255, G: 255, B: 255, A: 255},
	{R: 255, G: 255, B: 0, A: 255},
	{R: 0, G: 255, B: 255, A: 255},
	{R: 0, G: 255, B: 0, A: 255},
	{R: 255, G: 0, B: 255, A: 255},
	{R: 255, G: 0, B: 0, A: 255},
	{R: 0, G: 0, B: 255, A: 255},
	{R: 0, G: 0, B: 0, A: 255},
}

// TestPattern is a synthetic camera provider producing scrolling color bars.
// It needs no hardware and is the default provider.
type TestPattern struct {
	// Count is the number of virtual devices exposed.
	Count int
	// AcquireDelay simulates a slow permission prompt.
	AcquireDelay time.Duration
	// Deny makes every acquisition fail with camera.ErrPermissionDenied.
	Deny bool

	mu    sync.Mutex
	inUse map[string]bool
}

// NewTestPattern returns a provider with count virtual devices.
func NewTestPattern(count int) *TestPattern {
	return &TestPattern{Count: count}
}

func testPatternID(i int) string {
	return fmt.Sprintf("testpattern-%d", i)
}

// Devices implements camera.Provider.
func (p *TestPattern) Devices(ctx context.Context) ([]camera.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	devices := make([]camera.Device, 0, p.Count)
	for i := range p.Count {
		devices = append(devices, camera.Device{
			ID:    testPatternID(i),
			Label: fmt.Sprintf("Test Pattern %d", i+1),
		})
	}
	return devices, nil
}

// Acquire implements camera.Provider.
func (p *TestPattern) Acquire(ctx context.Context, deviceID string) (camera.Stream, error) {
	if p.AcquireDelay > 0 {
		select {
		case <-time.After(p.AcquireDelay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", camera.ErrDeviceUnavailable, ctx.Err())
		}
	}
	if p.Deny {
		return nil, fmt.Errorf("%w: access to the test pattern was refused", camera.ErrPermissionDenied)
	}
	if p.Count <= 0 {
		return nil, fmt.Errorf("%w: no cameras found", camera.ErrDeviceUnavailable)
	}

	if deviceID == "" {
		deviceID = testPatternID(0)
	}
	if !p.known(deviceID) {
		return nil, fmt.Errorf("%w: unknown device %q", camera.ErrDeviceUnavailable, deviceID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inUse == nil {
		p.inUse = make(map[string]bool)
	}
	if p.inUse[deviceID] {
		return nil, fmt.Errorf("%w: device %q is busy", camera.ErrDeviceUnavailable, deviceID)
	}
	p.inUse[deviceID] = true

	return &testPatternStream{provider: p, id: deviceID, offset: p.offset(deviceID)}, nil
}

func (p *TestPattern) known(deviceID string) bool {
	if !strings.HasPrefix(deviceID, "testpattern-") {
		return false
	}
	for i := range p.Count {
		if testPatternID(i) == deviceID {
			return true
		}
	}
	return false
}

// offset shifts the bars so each virtual device looks different.
func (p *TestPattern) offset(deviceID string) int {
	var n int
	_, _ = fmt.Sscanf(deviceID, "testpattern-%d", &n)
	return n * (testPatternWidth / len(barColors))
}

func (p *TestPattern) free(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, deviceID)
}

type testPatternStream struct {
	provider *TestPattern
	id       string
	offset   int

	mu       sync.Mutex
	frame    int
	released bool
}

func (s *testPatternStream) DeviceID() string { return s.id }

func (s *testPatternStream) ReadFrame() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, fmt.Errorf("%w: stream released", camera.ErrDeviceUnavailable)
	}
	img := renderBars(s.offset + s.frame*4)
	s.frame++
	return img, nil
}

func (s *testPatternStream) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true
	s.provider.free(s.id)
	return nil
}

func renderBars(shift int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, testPatternWidth, testPatternHeight))
	barWidth := testPatternWidth / len(barColors)
	for y := range testPatternHeight {
		for x := range testPatternWidth {
			barIndex := ((x + shift) / barWidth) % len(barColors)
			img.SetRGBA(x, y, barColors[barIndex])
		}
	}
	return img
}
