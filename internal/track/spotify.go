package track

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-spotconnect/spotconnect/internal/download"
	"github.com/go-spotconnect/spotconnect/internal/ids"
	"github.com/go-spotconnect/spotconnect/internal/model"
)

const (
	normalizationOffset = model.NormalizationOffset
	normalizationSize   = model.NormalizationSize

	headFileTimeout = 5 * time.Second
)

// AudioFile describes one encoding of a track, as selected from its
// metadata's file list.
type AudioFile struct {
	FileID ids.FileID
	Format string // e.g. "OGG_VORBIS_320"
}

// MetadataFetcher resolves a SpotifyId to its candidate audio files and
// display metadata. The concrete protobuf decode lives in the injected
// implementation (concrete protobuf schemas are out of this engine's
// scope); which candidate actually plays is decided here, by
// SelectAudioFile.
type MetadataFetcher interface {
	FetchTrack(ctx context.Context, trackID ids.ID) (TrackFiles, model.TrackMetadata, error)
}

// KeyRequester requests the AES audio key for a (track, file) pair.
type KeyRequester interface {
	RequestAudioKey(ctx context.Context, trackID ids.ID, fileID ids.FileID) (ids.AudioKey, error)
}

// StorageResolver resolves a FileId to a CDN URL and the file's total
// size.
type StorageResolver interface {
	ResolveStorage(ctx context.Context, fileID ids.FileID) (cdnURL string, fileSize int64, err error)
}

const defaultHeadBaseURL = "https://heads-fa.spotify.com"

// SpotifySource is the Spotify track/episode TrackSource: the instant-start
// hot path that fetches the head file in the background and, when the
// head is large enough, returns a stream that serves head bytes before
// the audio key or CDN URL is known. The audio-key and CDN requests are
// not started alongside the head fetch; they run when a read first
// needs bytes beyond head.
type SpotifySource struct {
	metadata MetadataFetcher
	keys     KeyRequester
	storage  StorageResolver
	client   *http.Client

	preferredQuality string
	headBaseURL      string
}

// NewSource creates the Spotify TrackSource.
func NewSource(metadata MetadataFetcher, keys KeyRequester, storage StorageResolver, preferredQuality string) *SpotifySource {
	return &SpotifySource{
		metadata:         metadata,
		keys:             keys,
		storage:          storage,
		client:           &http.Client{Timeout: headFileTimeout},
		preferredQuality: preferredQuality,
		headBaseURL:      defaultHeadBaseURL,
	}
}

func (s *SpotifySource) CanHandle(uri string) bool {
	return strings.HasPrefix(uri, "spotify:track:") || strings.HasPrefix(uri, "spotify:episode:")
}

func (s *SpotifySource) Load(ctx context.Context, uri string) (Stream, error) {
	trackID, err := ids.FromURI(uri)
	if err != nil {
		return nil, fmt.Errorf("track/spotify: parse uri %q: %w", uri, err)
	}

	files, meta, err := s.metadata.FetchTrack(ctx, trackID)
	if err != nil {
		return nil, fmt.Errorf("track/spotify: fetch metadata: %w", err)
	}
	file, err := SelectAudioFile(files, s.preferredQuality)
	if err != nil {
		return nil, err
	}

	// Fetch the head file in the background and await only it here.
	// keyFn and storageFn are handed off uncalled, so decoding can start
	// before either the audio key or the CDN URL is requested.
	type headResult struct {
		data []byte
	}
	headCh := make(chan headResult, 1)
	go func() {
		data, _ := s.fetchHead(ctx, file.FileID)
		headCh <- headResult{data: data}
	}()

	keyFn := func(ctx context.Context) ([16]byte, error) {
		k, err := s.keys.RequestAudioKey(ctx, trackID, file.FileID)
		return [16]byte(k), err
	}
	storageFn := func(ctx context.Context) (string, int64, error) {
		return s.storage.ResolveStorage(ctx, file.FileID)
	}

	var head []byte
	select {
	case r := <-headCh:
		head = r.data
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if len(head) >= normalizationOffset+normalizationSize {
		norm := parseNormalization(head)

		lazy := download.NewLazy(head, keyFn, storageFn)
		return &spotifyStream{
			reader:     lazy,
			meta:       meta,
			norm:       norm,
			format:     file.Format,
			seekable:   true,
			dispose:    lazy.Close,
			prefetcher: lazy,
		}, nil
	}

	return s.loadWithoutHead(ctx, head, file.Format, meta, keyFn, storageFn)
}

// loadWithoutHead is the no-head branch: the head file was missing or
// too small to carry normalization data, so key and CDN resolution are
// awaited up front. Any head bytes that did arrive are still pre-seeded
// into the downloader, and that region stays cleartext.
func (s *SpotifySource) loadWithoutHead(ctx context.Context, head []byte, format string, meta model.TrackMetadata, keyFn download.KeyFuture, storageFn download.StorageFuture) (Stream, error) {
	key, err := keyFn(ctx)
	if err != nil {
		return nil, fmt.Errorf("track/spotify: request audio key: %w", err)
	}
	cdnURL, fileSize, err := storageFn(ctx)
	if err != nil {
		return nil, fmt.Errorf("track/spotify: resolve storage: %w", err)
	}

	pd, err := download.New(download.NewHTTPFetcher(cdnURL), fileSize, head)
	if err != nil {
		return nil, err
	}
	pd.SetStreaming(true)
	pd.StartBackgroundFill(ctx)

	decrypted := download.NewAudioDecryptStream(key, pd, int64(len(head)))
	var norm model.NormalizationData
	buf := make([]byte, normalizationOffset+normalizationSize)
	if _, err := io.ReadFull(decrypted, buf); err == nil {
		norm = parseNormalization(buf)
	} else {
		norm = model.DefaultNormalizationData()
	}
	if _, err := decrypted.Seek(0, io.SeekStart); err != nil {
		pd.Close()
		return nil, fmt.Errorf("track/spotify: rewind after header parse: %w", err)
	}

	return &spotifyStream{
		reader:   decrypted,
		meta:     meta,
		norm:     norm,
		format:   format,
		seekable: true,
		dispose:  pd.Close,
	}, nil
}

// fetchHead GETs the cleartext head-file service; failure is never
// fatal, it just routes into the no-head branch.
func (s *SpotifySource) fetchHead(ctx context.Context, fileID ids.FileID) ([]byte, error) {
	url := fmt.Sprintf("%s/head/%s", s.headBaseURL, fileID.ToHex())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("track/spotify: head file status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// parseNormalization reads ReplayGain-style floats from the cleartext
// head-file region at NORMALIZATION_OFFSET: never decrypt head bytes,
// they carry the cleartext 0xa7 header.
func parseNormalization(head []byte) model.NormalizationData {
	region := head[normalizationOffset : normalizationOffset+normalizationSize]
	return model.NormalizationData{
		TrackGainDB: readFloat32LE(region[0:4]),
		TrackPeak:   readFloat32LE(region[4:8]),
		AlbumGainDB: readFloat32LE(region[8:12]),
		AlbumPeak:   readFloat32LE(region[12:16]),
	}
}

func readFloat32LE(b []byte) float32 {
	bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return math.Float32frombits(bits)
}
