package webrtc

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/crackvision/crack-detector/internal/metrics"
)

// browserOffer builds an offer the way the page does: a single "preview" data channel.
func browserOffer(t *testing.T) ([]byte, *webrtc.PeerConnection) {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	_, err = pc.CreateDataChannel(PreviewLabel, nil)
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	gather := webrtc.GatheringCompletePromise(pc)
	require.NoError(t, pc.SetLocalDescription(offer))
	<-gather

	data, err := json.Marshal(pc.LocalDescription())
	require.NoError(t, err)
	return data, pc
}

func TestHandleOfferRejectsInvalidOffer(t *testing.T) {
	s := NewServer(nil, 2, nil)

	_, err := s.HandleOffer(context.Background(), []byte("not json"))
	require.Error(t, err)

	_, err = s.HandleOffer(context.Background(), []byte(`{"type":"answer","sdp":"v=0"}`))
	require.Error(t, err)
	require.Equal(t, 0, s.ClientCount())
}

func TestHandleOfferAnswersDataChannel(t *testing.T) {
	m := metrics.New()
	s := NewServer(nil, 2, m)
	s.config = webrtc.Configuration{}
	defer s.Close()

	offer, pc := browserOffer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	answerJSON, err := s.HandleOffer(ctx, offer)
	require.NoError(t, err)

	var answer webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(answerJSON, &answer))
	require.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	require.True(t, strings.Contains(answer.SDP, "webrtc-datachannel"))
	require.NoError(t, pc.SetRemoteDescription(answer))

	require.Equal(t, 1, s.ClientCount())
	require.Equal(t, int64(1), m.PreviewClients.Load())

	// Frames queue without blocking even before the channel opens.
	for range 10 {
		s.SendFrame([]byte{0xff, 0xd8, 0xff, 0xd9})
	}

	require.NoError(t, s.Close())
	require.Equal(t, 0, s.ClientCount())
	require.Equal(t, int64(0), m.PreviewClients.Load())
}

func TestHandleOfferMaxClients(t *testing.T) {
	s := NewServer(nil, 1, nil)
	s.config = webrtc.Configuration{}
	defer s.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, _ := browserOffer(t)
	_, err := s.HandleOffer(ctx, first)
	require.NoError(t, err)

	second, _ := browserOffer(t)
	_, err = s.HandleOffer(ctx, second)
	require.ErrorIs(t, err, ErrMaxClients)
	require.Equal(t, 1, s.ClientCount())

	for id := range s.ClientStats() {
		s.RemoveClient(id)
		s.RemoveClient(id)
	}
	require.Equal(t, 0, s.ClientCount())
}

func TestRegisterRejectsEndedConnection(t *testing.T) {
	m := metrics.New()
	s := NewServer(nil, 2, m)
	s.config = webrtc.Configuration{}

	peerConn, err := s.api.NewPeerConnection(s.config)
	require.NoError(t, err)
	client := &Client{
		id:        "gone",
		peerConn:  peerConn,
		frameChan: make(chan []byte, frameQueue),
		closeChan: make(chan struct{}),
	}

	require.NoError(t, peerConn.Close())
	require.Eventually(t, func() bool {
		return peerConn.ConnectionState() == webrtc.PeerConnectionStateClosed
	}, 5*time.Second, 10*time.Millisecond)

	err = s.register(client)
	require.ErrorIs(t, err, ErrPeerGone)
	require.Equal(t, 0, s.ClientCount())
	require.Empty(t, s.ClientStats())
}

func TestClientStats(t *testing.T) {
	s := NewServer(nil, 2, nil)
	s.config = webrtc.Configuration{}
	defer s.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	offer, _ := browserOffer(t)
	_, err := s.HandleOffer(ctx, offer)
	require.NoError(t, err)

	// No channel is open yet, so queued frames count as dropped.
	s.SendFrame([]byte{0xff, 0xd8, 0xff, 0xd9})
	require.Eventually(t, func() bool {
		for _, st := range s.ClientStats() {
			return st["frames_dropped"] == 1 && st["frames_sent"] == 0
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}
