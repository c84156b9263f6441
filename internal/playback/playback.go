// Package playback mirrors the remote Connect cluster state: it parses
// dealer cluster-update messages and republishes distilled change
// streams, applying the same de-duplicated "publish only on change"
// discipline as connectstate's volume stream.
package playback

import (
	"bytes"
	"compress/gzip"
	"io"
	"log/slog"
	"sync"

	"github.com/go-spotconnect/spotconnect/internal/dealer"
	"github.com/go-spotconnect/spotconnect/internal/model"
	"github.com/go-spotconnect/spotconnect/internal/pubsub"
)

const clusterURI = "hm://connect-state/v1/cluster"

// ClusterDecoder decodes a ClusterUpdate protobuf payload into a
// ClusterView; Mirror gunzips a gzip-compressed payload before passing it
// in. The concrete protobuf schema is
// out of scope here; callers inject the decode step.
type ClusterDecoder func(payload []byte) (model.ClusterView, error)

// Mirror subscribes to dealer cluster-update messages and republishes
// distilled, de-duplicated change streams.
type Mirror struct {
	decode ClusterDecoder
	selfID string

	mu            sync.Mutex
	lastTimestamp int64
	current       model.ClusterView

	trackChanged     *pubsub.Stream[model.ClusterView]
	statusChanged    *pubsub.Stream[model.ClusterView]
	positionChanged  *pubsub.Stream[model.ClusterView]
	optionsChanged   *pubsub.Stream[model.ClusterView]
	transferRequests *pubsub.Stream[model.ClusterView]

	bidirectional bool
	localActive   func() bool

	cancelSub func()
}

// New creates a Mirror bound to a dealer's message stream. selfID is
// this device's id, used to detect when the active device becomes this
// one. localActive, if non-nil, reports whether bidirectional mode
// currently treats the local pipeline as authoritative (suppressing
// redundant remote reflections).
func New(d *dealer.Dealer, decode ClusterDecoder, selfID string, bidirectional bool, localActive func() bool) *Mirror {
	m := &Mirror{
		decode:           decode,
		selfID:           selfID,
		bidirectional:    bidirectional,
		localActive:      localActive,
		trackChanged:     pubsub.NewStream[model.ClusterView](),
		statusChanged:    pubsub.NewStream[model.ClusterView](),
		positionChanged:  pubsub.NewStream[model.ClusterView](),
		optionsChanged:   pubsub.NewStream[model.ClusterView](),
		transferRequests: pubsub.NewStream[model.ClusterView](),
	}
	msgCh, cancel := d.Messages()
	m.cancelSub = cancel
	go m.watch(msgCh)
	return m
}

func (m *Mirror) Close() {
	if m.cancelSub != nil {
		m.cancelSub()
	}
}

func (m *Mirror) TrackChanged() (<-chan model.ClusterView, func())     { return m.trackChanged.Subscribe() }
func (m *Mirror) StatusChanged() (<-chan model.ClusterView, func())    { return m.statusChanged.Subscribe() }
func (m *Mirror) PositionChanged() (<-chan model.ClusterView, func())  { return m.positionChanged.Subscribe() }
func (m *Mirror) OptionsChanged() (<-chan model.ClusterView, func())   { return m.optionsChanged.Subscribe() }
func (m *Mirror) TransferRequests() (<-chan model.ClusterView, func()) { return m.transferRequests.Subscribe() }

func (m *Mirror) watch(msgCh <-chan dealer.Message) {
	for msg := range msgCh {
		if msg.URI != clusterURI {
			continue
		}
		m.handleClusterMessage(msg)
	}
}

func (m *Mirror) handleClusterMessage(msg dealer.Message) {
	payload, err := maybeGunzip(msg.Payload)
	if err != nil {
		slog.Warn("playback: cluster payload decompression failed", "err", err)
		return
	}

	view, err := m.decode(payload)
	if err != nil {
		slog.Warn("playback: cluster decode failed", "err", err)
		return
	}

	m.mu.Lock()
	if view.PlayerState.ServerTimestamp < m.lastTimestamp {
		// Stale update; drop.
		m.mu.Unlock()
		return
	}
	prev := m.current
	m.lastTimestamp = view.PlayerState.ServerTimestamp
	m.current = view
	m.mu.Unlock()

	if m.bidirectional && m.localActive != nil && m.localActive() {
		// Local pipeline is authoritative; suppress redundant reflections
		// except for a genuine device transfer.
		if view.ActiveDeviceID == m.selfID && prev.ActiveDeviceID != m.selfID {
			m.transferRequests.Publish(view)
		}
		return
	}

	if view.ActiveDeviceID == m.selfID && prev.ActiveDeviceID != m.selfID {
		m.transferRequests.Publish(view)
	}
	if view.PlayerState.TrackURI != prev.PlayerState.TrackURI {
		m.trackChanged.Publish(view)
	}
	if view.PlayerState.IsPlaying != prev.PlayerState.IsPlaying || view.PlayerState.IsPaused != prev.PlayerState.IsPaused {
		m.statusChanged.Publish(view)
	}
	if view.PlayerState.PositionMs != prev.PlayerState.PositionMs {
		m.positionChanged.Publish(view)
	}
	if view.PlayerState.Options != prev.PlayerState.Options {
		m.optionsChanged.Publish(view)
	}
}

func maybeGunzip(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
