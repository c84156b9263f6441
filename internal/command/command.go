// Package command decodes dealer requests under the
// hm://connect-state/v1/ message-ident prefix into typed playback
// commands and replies to the dealer. Handlers are dispatched by
// endpoint suffix the way an HTTP router dispatches by route.
package command

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/go-spotconnect/spotconnect/internal/dealer"
	"github.com/go-spotconnect/spotconnect/internal/pubsub"
)

const messageIdentPrefix = "hm://connect-state/v1/"

// Kind enumerates the typed commands CommandHandler emits.
type Kind string

const (
	KindPlay           Kind = "play"
	KindPause          Kind = "pause"
	KindResume         Kind = "resume"
	KindSeek           Kind = "seek_to"
	KindSkipNext       Kind = "skip_next"
	KindSkipPrev       Kind = "skip_prev"
	KindShuffle        Kind = "set_shuffling_context"
	KindRepeatContext  Kind = "set_repeating_context"
	KindRepeatTrack    Kind = "set_repeating_track"
	KindTransfer       Kind = "transfer"
	KindSetQueue       Kind = "set_queue"
	KindAddToQueue     Kind = "add_to_queue"
)

// SkipTo identifies a track within the context to jump to.
type SkipTo struct {
	TrackIndex *int `json:"track_index,omitempty"`
}

// Options carries the optional playback-mode flags that may ride along
// with a Play command.
type Options struct {
	ShufflingContext *bool `json:"shuffling_context,omitempty"`
	RepeatingContext *bool `json:"repeating_context,omitempty"`
	RepeatingTrack   *bool `json:"repeating_track,omitempty"`
}

// QueueTrack is one entry of a set_queue payload.
type QueueTrack struct {
	URI string `json:"uri"`
}

// Command is the fully decoded, typed representation of one dealer
// request, correlated back to its reply key.
type Command struct {
	Kind Kind

	ContextURI    string       `json:"context_uri,omitempty"`
	TrackURI      string       `json:"-"`
	SeekTo        *int64       `json:"seek_to,omitempty"`
	SkipTo        *SkipTo      `json:"skip_to,omitempty"`
	Options       *Options     `json:"options,omitempty"`
	Position      int64        `json:"position,omitempty"`
	Value         bool         `json:"value,omitempty"`
	TransferState string       `json:"transfer_state,omitempty"`
	NextTracks    []QueueTrack `json:"next_tracks,omitempty"`
	AddTrackURI   string       `json:"track_uri,omitempty"`

	Endpoint       string
	MessageIdent   string
	MessageID      int
	SenderDeviceID string
	Key            string
}

type playPayload struct {
	ContextURI string `json:"context_uri"`
	Track      struct {
		URI string `json:"uri"`
	} `json:"track"`
	SeekTo  *int64   `json:"seek_to"`
	SkipTo  *SkipTo  `json:"skip_to"`
	Options *Options `json:"options"`
}

type seekPayload struct {
	Position int64 `json:"position"`
}

type boolValuePayload struct {
	Value bool `json:"value"`
}

type transferPayload struct {
	TransferState string `json:"transfer_state"`
}

type setQueuePayload struct {
	NextTracks []QueueTrack `json:"next_tracks"`
}

type addToQueuePayload struct {
	TrackURI string `json:"track_uri"`
}

// Replier sends a reply frame back to the dealer for a given key.
type Replier interface {
	SendReply(key string, success bool) error
}

// Handler subscribes to the dealer's request stream and emits decoded
// Commands.
type Handler struct {
	stream  *pubsub.Stream[Command]
	replier Replier

	cancelSub func()
}

// New creates a Handler bound to a dealer's request stream.
func New(d *dealer.Dealer) *Handler {
	reqCh, cancel := d.Requests()
	h := &Handler{
		stream:    pubsub.NewStream[Command](),
		replier:   d,
		cancelSub: cancel,
	}
	go h.dispatchLoop(reqCh)
	return h
}

// Commands returns the decoded-command observable.
func (h *Handler) Commands() (<-chan Command, func()) {
	return h.stream.Subscribe()
}

// Close stops watching the dealer's request stream.
func (h *Handler) Close() {
	if h.cancelSub != nil {
		h.cancelSub()
	}
}

func (h *Handler) dispatchLoop(reqCh <-chan dealer.Request) {
	for req := range reqCh {
		if !strings.HasPrefix(req.MessageIdent, messageIdentPrefix) {
			continue
		}
		h.handle(req)
	}
}

func (h *Handler) handle(req dealer.Request) {
	endpoint := strings.TrimPrefix(req.MessageIdent, messageIdentPrefix)

	cmd, ok := decodePayload(endpoint, req.Payload)
	if !ok {
		slog.Warn("command: malformed payload", "endpoint", endpoint, "sender", req.SenderDeviceID)
		h.reply(req, false)
		return
	}
	if cmd == nil {
		slog.Debug("command: unsupported endpoint", "endpoint", endpoint)
		h.reply(req, false)
		return
	}

	cmd.Endpoint = endpoint
	cmd.MessageIdent = req.MessageIdent
	cmd.MessageID = req.MessageID
	cmd.SenderDeviceID = req.SenderDeviceID
	cmd.Key = req.Key

	h.stream.Publish(*cmd)
	h.reply(req, true)
}

func (h *Handler) reply(req dealer.Request, success bool) {
	if err := h.replier.SendReply(req.Key, success); err != nil {
		slog.Warn("command: reply failed", "key", req.Key, "err", err)
	}
}

// decodePayload returns (nil, true) for an endpoint it does not
// recognize (DeviceDoesNotSupportCommand) and (nil, false) for malformed
// JSON on a recognized endpoint.
func decodePayload(endpoint string, payload []byte) (*Command, bool) {
	switch endpoint {
	case "play":
		var p playPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, false
		}
		return &Command{
			Kind:       KindPlay,
			ContextURI: p.ContextURI,
			TrackURI:   p.Track.URI,
			SeekTo:     p.SeekTo,
			SkipTo:     p.SkipTo,
			Options:    p.Options,
		}, true
	case "pause":
		return &Command{Kind: KindPause}, true
	case "resume":
		return &Command{Kind: KindResume}, true
	case "seek_to":
		var p seekPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, false
		}
		return &Command{Kind: KindSeek, Position: p.Position}, true
	case "skip_next":
		return &Command{Kind: KindSkipNext}, true
	case "skip_prev":
		return &Command{Kind: KindSkipPrev}, true
	case "set_shuffling_context":
		var p boolValuePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, false
		}
		return &Command{Kind: KindShuffle, Value: p.Value}, true
	case "set_repeating_context":
		var p boolValuePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, false
		}
		return &Command{Kind: KindRepeatContext, Value: p.Value}, true
	case "set_repeating_track":
		var p boolValuePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, false
		}
		return &Command{Kind: KindRepeatTrack, Value: p.Value}, true
	case "transfer":
		var p transferPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, false
		}
		return &Command{Kind: KindTransfer, TransferState: p.TransferState}, true
	case "set_queue":
		var p setQueuePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, false
		}
		return &Command{Kind: KindSetQueue, NextTracks: p.NextTracks}, true
	case "add_to_queue":
		var p addToQueuePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, false
		}
		return &Command{Kind: KindAddToQueue, AddTrackURI: p.TrackURI}, true
	default:
		return nil, true
	}
}
