package session

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/go-spotconnect/spotconnect/internal/ids"
)

// fakeTransport is an in-memory PacketTransport double that lets tests
// script exactly what inbound packets (if any) follow each outbound
// RequestKey packet.
type fakeTransport struct {
	mu       sync.Mutex
	sent     [][]byte
	packetCh chan Packet
	onSend   func(payload []byte) // optional hook invoked synchronously from SendPacket
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{packetCh: make(chan Packet, 16)}
}

func (f *fakeTransport) SendPacket(ctx context.Context, packetType byte, payload []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, payload)
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(payload)
	}
	return nil
}

func (f *fakeTransport) Packets() (<-chan Packet, func()) {
	return f.packetCh, func() {}
}

func (f *fakeTransport) Close() error { return nil }

func seqFromPacket(payload []byte) uint32 {
	return binary.BigEndian.Uint32(payload[36:40])
}

func newTestManager(transport *fakeTransport) *AudioKeyManager {
	s := &Session{transport: transport}
	return newAudioKeyManager(s)
}

func TestRequestAudioKeySucceedsFirstAttempt(t *testing.T) {
	ft := newFakeTransport()
	ft.onSend = func(payload []byte) {
		seq := seqFromPacket(payload)
		resp := make([]byte, 20)
		binary.BigEndian.PutUint32(resp[:4], seq)
		copy(resp[4:], bytesOf(0xAB, 16))
		ft.packetCh <- Packet{Type: packetTypeAesKey, Payload: resp}
	}
	m := newTestManager(ft)
	defer m.cancelAll()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key, err := m.RequestAudioKey(ctx, testTrackID(), testFileID())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ := ids.AudioKeyFromBytes(bytesOf(0xAB, 16))
	if key != want {
		t.Errorf("got key %x, want %x", key, want)
	}
	if len(ft.sent) != 1 {
		t.Errorf("expected exactly 1 packet sent, got %d", len(ft.sent))
	}
}

func TestRequestAudioKeySucceedsOnThirdAttempt(t *testing.T) {
	ft := newFakeTransport()
	var attempts int
	ft.onSend = func(payload []byte) {
		attempts++
		if attempts < 3 {
			return // silent timeout for the first two attempts
		}
		seq := seqFromPacket(payload)
		resp := make([]byte, 20)
		binary.BigEndian.PutUint32(resp[:4], seq)
		copy(resp[4:], bytesOf(0xCD, 16))
		ft.packetCh <- Packet{Type: packetTypeAesKey, Payload: resp}
	}
	m := newTestManager(ft)
	defer m.cancelAll()
	m.mu.Lock()
	// This test deliberately exercises real timeouts, which would take
	// audioKeyTimeout*2 plus backoff; shrink nothing here (keeping the
	// constants under test), so we just budget enough wall-clock time.
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()

	key, err := m.RequestAudioKey(ctx, testTrackID(), testFileID())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ := ids.AudioKeyFromBytes(bytesOf(0xCD, 16))
	if key != want {
		t.Errorf("got key %x, want %x", key, want)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRequestAudioKeyMalformedResponse(t *testing.T) {
	ft := newFakeTransport()
	ft.onSend = func(payload []byte) {
		seq := seqFromPacket(payload)
		resp := make([]byte, 14) // 4-byte seq + 10-byte key: malformed
		binary.BigEndian.PutUint32(resp[:4], seq)
		ft.packetCh <- Packet{Type: packetTypeAesKey, Payload: resp}
	}
	m := newTestManager(ft)
	defer m.cancelAll()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := m.RequestAudioKey(ctx, testTrackID(), testFileID())
	if err == nil {
		t.Fatal("expected error for malformed response")
	}
	se, ok := asMalformed(err)
	if !ok {
		t.Fatalf("expected MalformedResponse error, got %v", err)
	}
	_ = se
	if len(ft.sent) != 1 {
		t.Errorf("a malformed response should not trigger a retry, got %d attempts", len(ft.sent))
	}
}

func TestRequestAudioKeyExplicitError(t *testing.T) {
	ft := newFakeTransport()
	ft.onSend = func(payload []byte) {
		seq := seqFromPacket(payload)
		resp := make([]byte, 6)
		binary.BigEndian.PutUint32(resp[:4], seq)
		resp[4] = 0x00
		resp[5] = 0x02
		ft.packetCh <- Packet{Type: packetTypeAesKeyErr, Payload: resp}
	}
	m := newTestManager(ft)
	defer m.cancelAll()

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()

	_, err := m.RequestAudioKey(ctx, testTrackID(), testFileID())
	if err == nil {
		t.Fatal("expected error")
	}
	se, ok := err.(*Error)
	if !ok || se.Code != ErrKeyError {
		t.Errorf("expected ErrKeyError, got %v", err)
	}
	if len(ft.sent) != audioKeyMaxAttempt {
		t.Errorf("expected all %d attempts exhausted, got %d", audioKeyMaxAttempt, len(ft.sent))
	}
}

func TestCancelAllFailsPending(t *testing.T) {
	ft := newFakeTransport() // onSend left nil: no responses ever arrive
	m := newTestManager(ft)

	ctx := context.Background()
	resultCh := make(chan error, 1)
	go func() {
		_, err := m.attempt(ctx, testTrackID(), testFileID())
		resultCh <- err
	}()

	// Give attempt() time to register before cancelling.
	time.Sleep(50 * time.Millisecond)
	m.cancelAll()

	select {
	case err := <-resultCh:
		if err == nil {
			t.Fatal("expected error after cancelAll")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancelAll to unblock pending attempt")
	}
}

func TestBuildAudioKeyRequestShape(t *testing.T) {
	fid := testFileID()
	tid := testTrackID()
	packet := buildAudioKeyRequest(fid, tid, 0x00000001)
	if len(packet) != 42 {
		t.Fatalf("expected 42-byte packet, got %d", len(packet))
	}
	if string(packet[0:20]) != string(fid[:]) {
		t.Error("file_id mismatch")
	}
	raw := tid.Bytes()
	if string(packet[20:36]) != string(raw[:]) {
		t.Error("track_id mismatch")
	}
	if binary.BigEndian.Uint32(packet[36:40]) != 1 {
		t.Error("seq mismatch")
	}
	if packet[40] != 0 || packet[41] != 0 {
		t.Error("trailing bytes should be zero")
	}
}

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func testTrackID() ids.ID {
	id, _ := ids.FromRawBytes(ids.TypeTrack, bytesOf(0x11, 16))
	return id
}

func testFileID() ids.FileID {
	fid, _ := ids.FileIDFromBytes(bytesOf(0x22, 20))
	return fid
}
