package webui

import (
	"context"
	"sync"
	"time"

	"github.com/crackvision/crack-detector/internal/logger"
	"github.com/crackvision/crack-detector/internal/metrics"
)

// FrameSink receives every preview frame in addition to the MJPEG subscribers.
type FrameSink interface {
	SendFrame(jpeg []byte)
	ClientCount() int
}

// FrameBroadcaster samples the live camera at a fixed rate and fans JPEG frames out.
type FrameBroadcaster struct {
	mu        sync.Mutex
	clients   map[int]chan []byte
	nextID    int
	source    func() ([]byte, bool)
	sink      FrameSink
	interval  time.Duration
	metrics   *metrics.Metrics
	stop      chan struct{}
	stopped   bool
	skipCount int
}

// NewFrameBroadcaster creates a broadcaster reading frames from source. sink and m may be nil.
func NewFrameBroadcaster(source func() ([]byte, bool), interval time.Duration, sink FrameSink, m *metrics.Metrics) *FrameBroadcaster {
	return &FrameBroadcaster{
		clients:  make(map[int]chan []byte),
		source:   source,
		sink:     sink,
		interval: interval,
		metrics:  m,
		stop:     make(chan struct{}),
	}
}

// Subscribe adds a new client and returns a channel for receiving frames.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, 2)
	fb.clients[id] = ch
	fb.metrics.PreviewClientDelta(1)

	logger.Debug("Preview", "Client #%d subscribed (total clients: %d)", id, len(fb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if ch, ok := fb.clients[id]; ok {
		close(ch)
		delete(fb.clients, id)
		fb.metrics.PreviewClientDelta(-1)
		logger.Debug("Preview", "Client #%d unsubscribed (remaining clients: %d)", id, len(fb.clients))
	}
}

// Start begins the sampling loop.
func (fb *FrameBroadcaster) Start() {
	go fb.run()
}

// Stop halts the broadcaster and disconnects its subscribers.
func (fb *FrameBroadcaster) Stop() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.stopped {
		return
	}
	close(fb.stop)
	fb.stopped = true
	for id, ch := range fb.clients {
		close(ch)
		delete(fb.clients, id)
		fb.metrics.PreviewClientDelta(-1)
	}
}

func (fb *FrameBroadcaster) run() {
	ticker := time.NewTicker(fb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-fb.stop:
			return
		case <-ticker.C:
		}

		if fb.audience() == 0 {
			fb.skipCount++
			if fb.skipCount%100 == 0 {
				logger.Debug("Preview", "No viewers, idle for %d ticks", fb.skipCount)
			}
			continue
		}
		fb.skipCount = 0

		jpegData, ok := fb.source()
		if !ok {
			continue
		}
		fb.broadcast(jpegData)
	}
}

func (fb *FrameBroadcaster) audience() int {
	fb.mu.Lock()
	n := len(fb.clients)
	fb.mu.Unlock()
	if fb.sink != nil {
		n += fb.sink.ClientCount()
	}
	return n
}

func (fb *FrameBroadcaster) broadcast(data []byte) {
	fb.mu.Lock()
	for _, ch := range fb.clients {
		select {
		case ch <- data:
		default:
			// Client too slow, skip this frame for this client
		}
	}
	fb.mu.Unlock()

	if fb.sink != nil {
		fb.sink.SendFrame(data)
	}
	fb.metrics.PreviewFrameSent()
}

// StatusBroadcaster pushes screen snapshots to SSE clients.
type StatusBroadcaster struct {
	mu       sync.Mutex
	clients  map[int]chan *SerializedEvent
	nextID   int
	view     func(ctx context.Context) View
	interval time.Duration
	trigger  chan struct{}
	stop     chan struct{}
	stopped  bool
}

// NewStatusBroadcaster creates a broadcaster publishing view every interval
// and whenever Notify is called.
func NewStatusBroadcaster(view func(ctx context.Context) View, interval time.Duration) *StatusBroadcaster {
	return &StatusBroadcaster{
		clients:  make(map[int]chan *SerializedEvent),
		view:     view,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Subscribe adds a new client. The first event arrives on the next tick or Notify.
func (sb *StatusBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	id := sb.nextID
	sb.nextID++
	ch := make(chan *SerializedEvent, 2)
	sb.clients[id] = ch
	logger.Debug("HTTP", "Status client #%d subscribed (total clients: %d)", id, len(sb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (sb *StatusBroadcaster) Unsubscribe(id int) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if ch, ok := sb.clients[id]; ok {
		close(ch)
		delete(sb.clients, id)
	}
}

// Notify requests an immediate push, coalescing bursts.
func (sb *StatusBroadcaster) Notify() {
	select {
	case sb.trigger <- struct{}{}:
	default:
	}
}

// Start begins the broadcast loop.
func (sb *StatusBroadcaster) Start() {
	go sb.run()
}

// Stop halts the broadcaster and disconnects its subscribers.
func (sb *StatusBroadcaster) Stop() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.stopped {
		return
	}
	close(sb.stop)
	sb.stopped = true
	for id, ch := range sb.clients {
		close(ch)
		delete(sb.clients, id)
	}
}

func (sb *StatusBroadcaster) run() {
	logger.Info("HTTP", "Starting status broadcaster (interval=%v)...", sb.interval)
	ticker := time.NewTicker(sb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sb.stop:
			return
		case <-ticker.C:
		case <-sb.trigger:
		}

		sb.mu.Lock()
		clientCount := len(sb.clients)
		sb.mu.Unlock()
		if clientCount == 0 {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), sb.interval)
		event, err := serializeEvent(sb.view(ctx))
		cancel()
		if err != nil {
			logger.Error("HTTP", "Status serialization failed: %v", err)
			continue
		}
		sb.broadcast(event)
	}
}

func (sb *StatusBroadcaster) broadcast(event *SerializedEvent) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	for _, ch := range sb.clients {
		select {
		case ch <- event:
		default:
			// Client too slow, skip this event for this client
		}
	}
}
