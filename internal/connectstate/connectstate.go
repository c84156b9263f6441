// Package connectstate maintains this device's presence in the Connect
// cluster: volume, active flag, and the PUT loop to spclient. State
// mutations follow a lock/mutate/publish discipline: update the guarded
// fields, release the lock, then fan the change out to subscribers and
// spclient.
package connectstate

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-spotconnect/spotconnect/internal/dealer"
	"github.com/go-spotconnect/spotconnect/internal/pubsub"
	"google.golang.org/protobuf/proto"
)

// PutStateReason mirrors the wire enum used in PutStateRequest.
type PutStateReason string

const (
	ReasonNewConnection      PutStateReason = "NEW_CONNECTION"
	ReasonNewDevice          PutStateReason = "NEW_DEVICE"
	ReasonPlayerStateChanged PutStateReason = "PLAYER_STATE_CHANGED"
	ReasonVolumeChanged      PutStateReason = "VOLUME_CHANGED"
	ReasonBecameInactive     PutStateReason = "DEVICE_DISAPPEARED"
)

const (
	minVolume = 0
	maxVolume = 65535
)

// StateBuilder builds a proto.Message PutStateRequest body for the
// current (volume, active, reason) triple; supplied by the caller since
// the concrete protobuf schema is out of scope here.
type StateBuilder func(volume uint16, active bool, reason PutStateReason, messageID uint32) proto.Message

// Putter PUTs a PutStateRequest to spclient.
type Putter interface {
	PutState(ctx context.Context, deviceID, connID string, req proto.Message) error
}

// Manager owns volume/active/message-id state for this device and PUTs
// it to spclient whenever it changes.
type Manager struct {
	deviceID string
	putter   Putter
	builder  StateBuilder

	mu        sync.Mutex
	volume    uint16
	active    bool
	messageID uint32
	connID    string

	volumeStream *pubsub.Value[uint16]

	cancelSub func()
}

// New creates a Manager and subscribes it to dealer messages carrying
// the Spotify-Connection-Id header.
func New(deviceID string, d *dealer.Dealer, putter Putter, builder StateBuilder) *Manager {
	m := &Manager{
		deviceID:     deviceID,
		putter:       putter,
		builder:      builder,
		volumeStream: pubsub.NewValue[uint16](0, func(a, b uint16) bool { return a == b }),
	}

	msgCh, cancel := d.Messages()
	m.cancelSub = cancel
	go m.watchConnections(msgCh)
	return m
}

// Close stops watching for connection-id messages.
func (m *Manager) Close() {
	if m.cancelSub != nil {
		m.cancelSub()
	}
}

func (m *Manager) watchConnections(msgCh <-chan dealer.Message) {
	for msg := range msgCh {
		if !strings.HasPrefix(msg.URI, "hm://pusher/v1/connections/") {
			continue
		}
		connID := msg.Headers["Spotify-Connection-Id"]
		if connID == "" {
			continue
		}
		m.setConnectionID(connID)
	}
}

func (m *Manager) setConnectionID(connID string) {
	m.mu.Lock()
	m.connID = connID
	m.mu.Unlock()
	m.put(context.Background(), ReasonNewConnection)
}

// Volume returns the current 0..65535 volume.
func (m *Manager) Volume() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volume
}

// Active reports whether this device is currently marked active.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// VolumeChanges returns the de-duplicated volume-change observable. A new
// subscriber receives the current volume first.
func (m *Manager) VolumeChanges() (<-chan uint16, func()) {
	return m.volumeStream.Subscribe()
}

// SetVolumePercent sets volume from a 0-100 percentage, converting
// linearly to the 0..65535 wire range and clamping out-of-range input.
func (m *Manager) SetVolumePercent(ctx context.Context, pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	m.SetVolume(ctx, uint16(pct*maxVolume/100))
}

// SetVolume sets the absolute 0..65535 volume. A no-op if unchanged.
func (m *Manager) SetVolume(ctx context.Context, v uint16) {
	if v > maxVolume {
		v = maxVolume
	}
	m.mu.Lock()
	if m.volume == v {
		m.mu.Unlock()
		return
	}
	m.volume = v
	m.mu.Unlock()

	m.volumeStream.Set(v)
	m.put(ctx, ReasonVolumeChanged)
}

// SetActive marks this device active/inactive. A no-op if unchanged.
func (m *Manager) SetActive(ctx context.Context, active bool) {
	m.mu.Lock()
	if m.active == active {
		m.mu.Unlock()
		return
	}
	m.active = active
	m.mu.Unlock()

	reason := ReasonNewDevice
	if !active {
		reason = ReasonBecameInactive
	}
	m.put(ctx, reason)
}

// NotifyPlayerStateChanged PUTs with PlayerStateChanged, for callers that
// track their own player-state diffing (the pipeline, in bidirectional
// mode).
func (m *Manager) NotifyPlayerStateChanged(ctx context.Context) {
	m.put(ctx, ReasonPlayerStateChanged)
}

func (m *Manager) put(ctx context.Context, reason PutStateReason) {
	m.mu.Lock()
	connID := m.connID
	if connID == "" {
		m.mu.Unlock()
		return
	}
	m.messageID++
	msgID := m.messageID
	volume := m.volume
	active := m.active
	m.mu.Unlock()

	req := m.builder(volume, active, reason, msgID)
	if err := m.putter.PutState(ctx, m.deviceID, connID, req); err != nil {
		// Network/server errors must not roll back local state: log and
		// continue so the UI stays responsive to optimistic local
		// updates.
		slog.Warn("connectstate: put_state failed", "reason", reason, "err", err)
	}
}
