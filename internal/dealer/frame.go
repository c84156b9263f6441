package dealer

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// frameType is the dealer wire frame's "type" discriminator.
type frameType string

const (
	frameTypePing    frameType = "ping"
	frameTypePong    frameType = "pong"
	frameTypeMessage frameType = "message"
	frameTypeRequest frameType = "request"
)

// rawFrame is the superset of fields any dealer frame may carry. Parsing
// is tolerant by design: unknown fields are ignored and a malformed
// frame never poisons the stream — callers log and discard.
type rawFrame struct {
	Type         frameType         `json:"type"`
	URI          string            `json:"uri"`
	Headers      map[string]string `json:"headers"`
	Payloads     []string          `json:"payloads"`
	Key          string            `json:"key"`
	MessageIdent string            `json:"message_ident"`
	Payload      json.RawMessage   `json:"payload"`
}

// replyFrame is the only frame the engine ever writes besides ping/pong.
type replyFrame struct {
	Type    string      `json:"type"`
	Key     string      `json:"key"`
	Payload replyResult `json:"payload"`
}

type replyResult struct {
	Success bool `json:"success"`
}

// Message is a decoded "message" frame. Payload is the single
// base64-decoded (and gunzipped, if flagged) element; the protocol never
// sends more than one.
type Message struct {
	URI     string
	Headers map[string]string
	Payload []byte
}

// Request is a decoded "request" frame awaiting a reply via SendReply.
type Request struct {
	Key            string
	MessageIdent   string
	MessageID      int
	SenderDeviceID string
	Payload        json.RawMessage
}

var pongFrameBytes = []byte(`{"type":"pong"}`)

// parseFrame decodes one JSON dealer frame. It never returns an error for
// structurally-odd-but-parseable frames (those are handled by the caller
// logging and discarding); the error return is reserved for frames that
// aren't even valid JSON.
func parseFrame(data []byte) (*rawFrame, error) {
	var f rawFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("dealer: malformed frame: %w", err)
	}
	return &f, nil
}

// decodeMessage turns a rawFrame of type "message" into a Message,
// decoding base64 and gunzipping if Transfer-Encoding: gzip is present.
// A missing or empty payloads array decodes to an empty payload — it
// must never be treated as an error.
func decodeMessage(f *rawFrame) (*Message, error) {
	msg := &Message{URI: f.URI, Headers: f.Headers}
	if len(f.Payloads) == 0 {
		return msg, nil
	}
	raw, err := base64.StdEncoding.DecodeString(f.Payloads[0])
	if err != nil {
		return nil, fmt.Errorf("dealer: bad base64 payload: %w", err)
	}
	if isGzipEncoded(f.Headers) {
		raw, err = gunzip(raw)
		if err != nil {
			return nil, fmt.Errorf("dealer: bad gzip payload: %w", err)
		}
	}
	msg.Payload = raw
	return msg, nil
}

// isGzipEncoded checks the Transfer-Encoding header. Dealer header keys
// are case-sensitive on the wire, so this is an exact lookup.
func isGzipEncoded(headers map[string]string) bool {
	return strings.Contains(headers["Transfer-Encoding"], "gzip")
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// decodeRequest turns a rawFrame of type "request" into a Request.
//
// The dealer's request.key is documented as "<msg_id>/<sender_device_id>"
// but real traffic sometimes carries an opaque key; tolerate that by
// falling back to message_id=0, sender_device_id="".
func decodeRequest(f *rawFrame) *Request {
	req := &Request{
		Key:          f.Key,
		MessageIdent: f.MessageIdent,
		Payload:      f.Payload,
	}
	if idx := strings.IndexByte(f.Key, '/'); idx >= 0 {
		var id int
		if _, err := fmt.Sscanf(f.Key[:idx], "%d", &id); err == nil {
			req.MessageID = id
			req.SenderDeviceID = f.Key[idx+1:]
		}
	}
	return req
}

func buildReply(key string, success bool) ([]byte, error) {
	return json.Marshal(replyFrame{
		Type:    "reply",
		Key:     key,
		Payload: replyResult{Success: success},
	})
}
