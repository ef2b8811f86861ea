// Package webrtc serves the live camera preview over a WebRTC data channel.
//
// The browser offers a data channel labeled "preview". Each JPEG frame is sent
// as binary chunks followed by a text "eof" message marking the frame boundary.
package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/crackvision/crack-detector/internal/logger"
	"github.com/crackvision/crack-detector/internal/metrics"
)

const (
	// PreviewLabel is the data channel label the browser must offer.
	PreviewLabel = "preview"

	chunkSize = 16 * 1024
	// Frames are dropped while more than this is queued on the channel.
	maxBufferedAmount = 1 << 20
	frameQueue        = 4
)

var (
	// ErrMaxClients is returned by HandleOffer when the client limit is reached.
	ErrMaxClients = errors.New("maximum preview clients reached")
	// ErrPeerGone is returned when the peer disconnected before it could be registered.
	ErrPeerGone = errors.New("peer connection ended during setup")
)

// Client is a connected preview peer.
type Client struct {
	id       string
	peerConn *webrtc.PeerConnection

	channelMu sync.Mutex
	channel   *webrtc.DataChannel

	frameChan chan []byte
	closeChan chan struct{}
	closeOnce sync.Once

	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
}

// Server manages preview peers.
type Server struct {
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
	metrics    *metrics.Metrics
}

// NewServer creates a server. Without STUN servers, a public Google server is used.
func NewServer(stunServers []string, maxClients int, m *metrics.Metrics) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{url},
		})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		}
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine))

	return &Server{
		clients: make(map[string]*Client),
		config: webrtc.Configuration{
			ICEServers: iceServers,
		},
		maxClients: maxClients,
		api:        api,
		metrics:    m,
	}
}

// HandleOffer answers a browser offer. The returned answer carries all ICE candidates.
func (s *Server) HandleOffer(ctx context.Context, offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, fmt.Errorf("failed to parse offer: expected a non-empty SDP offer")
	}

	if s.ClientCount() >= s.maxClients {
		return nil, fmt.Errorf("%w (%d)", ErrMaxClients, s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	client := &Client{
		id:        uuid.NewString(),
		peerConn:  peerConn,
		frameChan: make(chan []byte, frameQueue),
		closeChan: make(chan struct{}),
	}

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != PreviewLabel {
			logger.Debug("WebRTC", "Client %s opened unexpected channel %q", client.id, dc.Label())
			return
		}
		dc.OnOpen(func() {
			logger.Debug("WebRTC", "Client %s preview channel open", client.id)
			client.channelMu.Lock()
			client.channel = dc
			client.channelMu.Unlock()
		})
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", client.id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			logger.Info("WebRTC", "Client %s connection lost (%s), removing...", client.id, state.String())
			s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		peerConn.Close()
		return nil, fmt.Errorf("ICE gathering: %w", ctx.Err())
	}
	logger.Debug("WebRTC", "ICE gathering complete for client %s", client.id)

	if err := s.register(client); err != nil {
		peerConn.Close()
		return nil, err
	}
	s.metrics.PreviewClientDelta(1)

	go s.sendFrames(client)

	logger.Info("WebRTC", "Client %s connected", client.id)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("no local description available")
	}

	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}
	return answerJSON, nil
}

// register adds client unless the server is full or its connection already
// ended. A state change after this point is handled by RemoveClient.
func (s *Server) register(client *Client) error {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	if len(s.clients) >= s.maxClients {
		return fmt.Errorf("%w (%d)", ErrMaxClients, s.maxClients)
	}
	switch state := client.peerConn.ConnectionState(); state {
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		return fmt.Errorf("%w (%s)", ErrPeerGone, state)
	}
	s.clients[client.id] = client
	return nil
}

// SendFrame queues a JPEG frame for every client. Slow clients drop frames.
func (s *Server) SendFrame(jpeg []byte) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, client := range s.clients {
		select {
		case client.frameChan <- jpeg:
		default:
			client.framesDropped.Add(1)
		}
	}
}

func (s *Server) sendFrames(client *Client) {
	for {
		select {
		case <-client.closeChan:
			return
		case frame := <-client.frameChan:
			client.channelMu.Lock()
			dc := client.channel
			client.channelMu.Unlock()

			if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
				client.framesDropped.Add(1)
				continue
			}
			if dc.BufferedAmount() > maxBufferedAmount {
				client.framesDropped.Add(1)
				continue
			}
			if err := sendChunked(dc, frame); err != nil {
				logger.Warn("WebRTC", "Error sending frame to client %s: %v", client.id, err)
				s.RemoveClient(client.id)
				return
			}

			sent := client.framesSent.Add(1)
			if sent%100 == 0 {
				logger.Debug("WebRTC", "Sent %d frames to client %s (dropped %d)",
					sent, client.id, client.framesDropped.Load())
			}
		}
	}
}

func sendChunked(dc *webrtc.DataChannel, frame []byte) error {
	for off := 0; off < len(frame); off += chunkSize {
		end := min(off+chunkSize, len(frame))
		if err := dc.Send(frame[off:end]); err != nil {
			return err
		}
	}
	return dc.SendText("eof")
}

// RemoveClient disconnects a client by ID.
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	s.clientsMu.Unlock()
	if !exists {
		return
	}

	client.closeOnce.Do(func() {
		close(client.closeChan)
	})
	if err := client.peerConn.Close(); err != nil {
		logger.Debug("WebRTC", "Client %s close: %v", clientID, err)
	}
	s.metrics.PreviewClientDelta(-1)

	logger.Info("WebRTC", "Client %s disconnected (sent: %d, dropped: %d)",
		clientID, client.framesSent.Load(), client.framesDropped.Load())
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// ClientStats returns per-client frame counters.
func (s *Server) ClientStats() map[string]map[string]uint64 {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]map[string]uint64)
	for id, client := range s.clients {
		stats[id] = map[string]uint64{
			"frames_sent":    client.framesSent.Load(),
			"frames_dropped": client.framesDropped.Load(),
		}
	}
	return stats
}

// Close disconnects every client.
func (s *Server) Close() error {
	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}
