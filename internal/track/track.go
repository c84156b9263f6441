// Package track defines the TrackSource/TrackStream capability
// interfaces and a first-match registry: small capability sets rather
// than a class hierarchy.
package track

import (
	"context"
	"fmt"
	"io"

	"github.com/go-spotconnect/spotconnect/internal/model"
)

// Stream is a loaded, playable track: a seekable byte source plus the
// metadata needed to drive playback UI and position math.
type Stream interface {
	io.Reader
	// Seek repositions the stream; whence follows io.Seeker semantics.
	// Streams that cannot seek return ErrNotSeekable.
	io.Seeker

	Metadata() model.TrackMetadata
	Normalization() model.NormalizationData
	KnownFormat() string
	CanSeek() bool

	// PrefetchForSeek requests that the byte range around an upcoming
	// seek target be ready before the decoder repositions. Streams that
	// do not support prefetch ignore the hint.
	PrefetchForSeek(ctx context.Context, byteOffset int64, window int64)

	Dispose() error
}

// ErrNotSeekable is returned by Seek on a stream that does not support
// arbitrary repositioning.
var ErrNotSeekable = fmt.Errorf("track: stream does not support seeking")

// Source resolves URIs of one scheme/kind into playable Streams.
type Source interface {
	CanHandle(uri string) bool
	Load(ctx context.Context, uri string) (Stream, error)
}

// Registry holds an ordered list of Sources and routes by first match.
type Registry struct {
	sources []Source
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a Source; earlier registrations take priority.
func (r *Registry) Register(s Source) {
	r.sources = append(r.sources, s)
}

// Resolve finds the first registered Source that can handle uri and
// loads it.
func (r *Registry) Resolve(ctx context.Context, uri string) (Stream, error) {
	for _, s := range r.sources {
		if s.CanHandle(uri) {
			return s.Load(ctx, uri)
		}
	}
	return nil, fmt.Errorf("track: no source can handle uri %q", uri)
}
