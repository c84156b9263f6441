package track

import (
	"context"
	"io"

	"github.com/go-spotconnect/spotconnect/internal/model"
)

// spotifyStream adapts a download.LazyProgressiveDownloader, or a
// download.AudioDecryptStream over a ProgressiveDownloader (both satisfy
// io.ReadSeeker), to the Stream contract.
type spotifyStream struct {
	reader   io.ReadSeeker
	meta     model.TrackMetadata
	norm     model.NormalizationData
	format   string
	seekable bool
	dispose  func() error

	prefetcher interface {
		PrefetchRange(ctx context.Context, start, length int64)
	}
}

func (s *spotifyStream) Read(buf []byte) (int, error) { return s.reader.Read(buf) }

func (s *spotifyStream) Seek(offset int64, whence int) (int64, error) {
	if !s.seekable {
		return 0, ErrNotSeekable
	}
	return s.reader.Seek(offset, whence)
}

func (s *spotifyStream) Metadata() model.TrackMetadata          { return s.meta }
func (s *spotifyStream) Normalization() model.NormalizationData { return s.norm }
func (s *spotifyStream) KnownFormat() string                    { return s.format }
func (s *spotifyStream) CanSeek() bool                          { return s.seekable }

func (s *spotifyStream) PrefetchForSeek(ctx context.Context, byteOffset int64, window int64) {
	if s.prefetcher != nil {
		s.prefetcher.PrefetchRange(ctx, byteOffset, window)
	}
}

func (s *spotifyStream) Dispose() error {
	if s.dispose != nil {
		return s.dispose()
	}
	return nil
}
