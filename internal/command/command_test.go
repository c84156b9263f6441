package command

import (
	"sync"
	"testing"
	"time"

	"github.com/go-spotconnect/spotconnect/internal/dealer"
	"github.com/go-spotconnect/spotconnect/internal/pubsub"
)

type fakeReplier struct {
	mu    sync.Mutex
	calls []struct {
		key     string
		success bool
	}
}

func (f *fakeReplier) SendReply(key string, success bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, struct {
		key     string
		success bool
	}{key, success})
	return nil
}

func (f *fakeReplier) last() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return "", false
	}
	c := f.calls[len(f.calls)-1]
	return c.key, c.success
}

func TestDecodePlayPayload(t *testing.T) {
	cmd, ok := decodePayload("play", []byte(`{"context_uri":"spotify:album:1","track":{"uri":"spotify:track:2"},"seek_to":1000}`))
	if !ok || cmd == nil {
		t.Fatalf("expected decode, got ok=%v cmd=%v", ok, cmd)
	}
	if cmd.Kind != KindPlay || cmd.ContextURI != "spotify:album:1" || cmd.TrackURI != "spotify:track:2" {
		t.Errorf("unexpected command: %+v", cmd)
	}
	if cmd.SeekTo == nil || *cmd.SeekTo != 1000 {
		t.Errorf("expected seek_to 1000, got %v", cmd.SeekTo)
	}
}

func TestDecodeUnknownEndpointReturnsNilOK(t *testing.T) {
	cmd, ok := decodePayload("some_future_endpoint", []byte(`{}`))
	if !ok {
		t.Fatal("unknown endpoints should decode ok=true, cmd=nil (DeviceDoesNotSupportCommand)")
	}
	if cmd != nil {
		t.Errorf("expected nil command, got %+v", cmd)
	}
}

func TestDecodeMalformedJSONFails(t *testing.T) {
	_, ok := decodePayload("seek_to", []byte(`not json`))
	if ok {
		t.Fatal("expected ok=false for malformed JSON")
	}
}

func newTestHandler() (*Handler, *fakeReplier) {
	fr := &fakeReplier{}
	return &Handler{stream: pubsub.NewStream[Command](), replier: fr}, fr
}

func TestHandleRepliesSuccessForKnownEndpoint(t *testing.T) {
	h, fr := newTestHandler()

	cmdCh, cancel := h.Commands()
	defer cancel()

	req := dealer.Request{
		Key:            "1/dev",
		MessageIdent:   "hm://connect-state/v1/pause",
		MessageID:      1,
		SenderDeviceID: "dev",
		Payload:        []byte(`{}`),
	}
	h.handle(req)

	select {
	case cmd := <-cmdCh:
		if cmd.Kind != KindPause {
			t.Errorf("got kind %v", cmd.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for command")
	}

	key, success := fr.last()
	if key != "1/dev" || !success {
		t.Errorf("expected success reply for key 1/dev, got (%q, %v)", key, success)
	}
}

func TestHandleRepliesFailureForMalformedPayload(t *testing.T) {
	h, fr := newTestHandler()

	h.handle(dealer.Request{
		Key:          "2/dev",
		MessageIdent: "hm://connect-state/v1/seek_to",
		Payload:      []byte(`not json`),
	})

	key, success := fr.last()
	if key != "2/dev" || success {
		t.Errorf("expected failure reply for key 2/dev, got (%q, %v)", key, success)
	}
}

func TestHandleRepliesFailureForUnsupportedEndpoint(t *testing.T) {
	h, fr := newTestHandler()

	h.handle(dealer.Request{
		Key:          "3/dev",
		MessageIdent: "hm://connect-state/v1/some_future_endpoint",
		Payload:      []byte(`{}`),
	})

	key, success := fr.last()
	if key != "3/dev" || success {
		t.Errorf("expected failure reply for unsupported endpoint, got (%q, %v)", key, success)
	}
}
