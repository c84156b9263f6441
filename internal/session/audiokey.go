package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/go-spotconnect/spotconnect/internal/ids"
)

const (
	packetTypeRequestKey = 0x0c
	packetTypeAesKey     = 0x0d
	packetTypeAesKeyErr  = 0x0e

	audioKeyTimeout    = 1500 * time.Millisecond
	audioKeyMaxAttempt = 3
)

// audioKeyRetryDelays is the backoff table: the third delay is used
// before attempt 3, and there is deliberately no fourth retry.
var audioKeyRetryDelays = [audioKeyMaxAttempt]time.Duration{0, 500 * time.Millisecond, 1000 * time.Millisecond}

type pendingKey struct {
	result chan keyResult
}

type keyResult struct {
	key ids.AudioKey
	err error
}

// AudioKeyManager requests per-(track,file) AES keys over the AP
// transport and demultiplexes responses by sequence number.
type AudioKeyManager struct {
	session *Session

	mu      sync.Mutex
	seq     uint32
	pending map[uint32]pendingKey
	closed  bool

	packetsCancel func()
}

func newAudioKeyManager(s *Session) *AudioKeyManager {
	m := &AudioKeyManager{
		session: s,
		pending: make(map[uint32]pendingKey),
	}
	packets, cancel := s.transport.Packets()
	m.packetsCancel = cancel
	go m.dispatchLoop(packets)
	return m
}

func (m *AudioKeyManager) dispatchLoop(packets <-chan Packet) {
	for pkt := range packets {
		switch pkt.Type {
		case packetTypeAesKey:
			m.handleAesKey(pkt.Payload)
		case packetTypeAesKeyErr:
			m.handleAesKeyError(pkt.Payload)
		}
	}
}

func (m *AudioKeyManager) handleAesKey(payload []byte) {
	if len(payload) < 4 {
		// No sequence number to resolve a waiter against at all; nothing
		// to do but drop it.
		return
	}
	seq := binary.BigEndian.Uint32(payload[:4])
	if len(payload) != 20 {
		// 4-byte seq + 16-byte key; anything else is malformed, but the
		// seq is still valid, so fail the waiter immediately rather than
		// let it time out.
		m.resolve(seq, keyResult{err: &Error{Code: ErrMalformedResponse, Cause: fmt.Errorf("session: AesKey payload is %d bytes, want 20", len(payload))}})
		return
	}
	key, err := ids.AudioKeyFromBytes(payload[4:])
	m.resolve(seq, keyResult{key: key, err: errIfMalformed(err)})
}

func errIfMalformed(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: ErrMalformedResponse, Cause: err}
}

func (m *AudioKeyManager) handleAesKeyError(payload []byte) {
	if len(payload) < 4 {
		return
	}
	seq := binary.BigEndian.Uint32(payload[:4])
	m.resolve(seq, keyResult{err: &Error{Code: ErrKeyError}})
}

func (m *AudioKeyManager) resolve(seq uint32, res keyResult) {
	m.mu.Lock()
	p, ok := m.pending[seq]
	if ok {
		delete(m.pending, seq)
	}
	m.mu.Unlock()
	if ok {
		p.result <- res
	}
}

func (m *AudioKeyManager) nextSeq() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq
}

func (m *AudioKeyManager) register(seq uint32) (chan keyResult, error) {
	ch := make(chan keyResult, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, &Error{Code: ErrNotConnected}
	}
	m.pending[seq] = pendingKey{result: ch}
	return ch, nil
}

func (m *AudioKeyManager) unregister(seq uint32) {
	m.mu.Lock()
	delete(m.pending, seq)
	m.mu.Unlock()
}

// RequestAudioKey requests the AES key for (trackID, fileID). Retries up
// to audioKeyMaxAttempt times with the backoff table above, each
// attempt using a fresh sequence number.
func (m *AudioKeyManager) RequestAudioKey(ctx context.Context, trackID ids.ID, fileID ids.FileID) (ids.AudioKey, error) {
	var lastErr error
	for attempt := 0; attempt < audioKeyMaxAttempt; attempt++ {
		if attempt > 0 {
			delay := audioKeyRetryDelays[attempt]
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ids.AudioKey{}, ctx.Err()
			}
		}

		key, err := m.attempt(ctx, trackID, fileID)
		if err == nil {
			return key, nil
		}
		lastErr = err
		if _, malformed := asMalformed(err); malformed {
			// A malformed response is not a transient condition worth
			// retrying against the same key material.
			return ids.AudioKey{}, err
		}
	}
	return ids.AudioKey{}, lastErr
}

func asMalformed(err error) (*Error, bool) {
	se, ok := err.(*Error)
	if ok && se.Code == ErrMalformedResponse {
		return se, true
	}
	return nil, false
}

func (m *AudioKeyManager) attempt(ctx context.Context, trackID ids.ID, fileID ids.FileID) (ids.AudioKey, error) {
	seq := m.nextSeq()
	resultCh, err := m.register(seq)
	if err != nil {
		return ids.AudioKey{}, err
	}

	packet := buildAudioKeyRequest(fileID, trackID, seq)
	if err := m.session.SendPacket(ctx, packetTypeRequestKey, packet); err != nil {
		m.unregister(seq)
		return ids.AudioKey{}, &Error{Code: ErrNotConnected, Cause: err}
	}

	timer := time.NewTimer(audioKeyTimeout)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		return res.key, res.err
	case <-timer.C:
		m.unregister(seq)
		return ids.AudioKey{}, &Error{Code: ErrKeyTimeout}
	case <-ctx.Done():
		m.unregister(seq)
		return ids.AudioKey{}, ctx.Err()
	}
}

// buildAudioKeyRequest builds the 42-byte packet: file_id(20) ‖
// track_id.raw(16) ‖ seq(4 BE) ‖ 0x0000.
func buildAudioKeyRequest(fileID ids.FileID, trackID ids.ID, seq uint32) []byte {
	buf := make([]byte, 42)
	copy(buf[0:20], fileID[:])
	raw := trackID.Bytes()
	copy(buf[20:36], raw[:])
	binary.BigEndian.PutUint32(buf[36:40], seq)
	// buf[40:42] stays zero.
	return buf
}

// cancelAll fails every pending request; called on Session.Close.
func (m *AudioKeyManager) cancelAll() {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[uint32]pendingKey)
	m.closed = true
	m.mu.Unlock()

	for _, p := range pending {
		p.result <- keyResult{err: &Error{Code: ErrNotConnected}}
	}
	if m.packetsCancel != nil {
		m.packetsCancel()
	}
}
