// Package localtrack implements track.Source for local audio files,
// identified by a "file://" URI. It is one of the additional
// track-source-contract implementations that sit outside the Spotify
// hot path: local playback needs no metadata fetch, audio key, or CDN
// resolution, only a seekable
// file handle. Grounded on track.spotifyStream's thin io.ReadSeeker
// adapter shape.
package localtrack

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-spotconnect/spotconnect/internal/model"
	"github.com/go-spotconnect/spotconnect/internal/track"
)

const scheme = "file://"

// Source resolves file:// URIs to local files on disk.
type Source struct{}

// New creates a local-file Source.
func New() *Source { return &Source{} }

func (s *Source) CanHandle(uri string) bool {
	return strings.HasPrefix(uri, scheme)
}

func (s *Source) Load(ctx context.Context, uri string) (track.Stream, error) {
	path, err := pathFromURI(uri)
	if err != nil {
		return nil, fmt.Errorf("localtrack: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("localtrack: open %q: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("localtrack: stat %q: %w", path, err)
	}

	name := filepath.Base(path)
	meta := model.TrackMetadata{
		URI:   uri,
		Title: strings.TrimSuffix(name, filepath.Ext(name)),
	}

	return &stream{
		file:   f,
		meta:   meta,
		format: strings.TrimPrefix(strings.ToUpper(filepath.Ext(path)), "."),
		norm:   model.DefaultNormalizationData(),
		size:   info.Size(),
	}, nil
}

func pathFromURI(uri string) (string, error) {
	rest := strings.TrimPrefix(uri, scheme)
	if decoded, err := url.PathUnescape(rest); err == nil {
		rest = decoded
	}
	if rest == "" {
		return "", fmt.Errorf("empty path in uri %q", uri)
	}
	return rest, nil
}

type stream struct {
	file   *os.File
	meta   model.TrackMetadata
	format string
	norm   model.NormalizationData
	size   int64
}

func (s *stream) Read(buf []byte) (int, error) { return s.file.Read(buf) }

func (s *stream) Seek(offset int64, whence int) (int64, error) {
	return s.file.Seek(offset, whence)
}

func (s *stream) Metadata() model.TrackMetadata          { return s.meta }
func (s *stream) Normalization() model.NormalizationData { return s.norm }
func (s *stream) KnownFormat() string                    { return s.format }
func (s *stream) CanSeek() bool                          { return true }

// PrefetchForSeek is a no-op: local files need no network read-ahead.
func (s *stream) PrefetchForSeek(ctx context.Context, byteOffset int64, window int64) {}

func (s *stream) Dispose() error { return s.file.Close() }
