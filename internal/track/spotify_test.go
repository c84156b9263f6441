package track

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-spotconnect/spotconnect/internal/ids"
	"github.com/go-spotconnect/spotconnect/internal/model"
)

type fakeMetadata struct {
	files TrackFiles
	meta  model.TrackMetadata
}

func (f fakeMetadata) FetchTrack(ctx context.Context, trackID ids.ID) (TrackFiles, model.TrackMetadata, error) {
	return f.files, f.meta, nil
}

type fakeKeys struct {
	calls atomic.Int32
}

func (f *fakeKeys) RequestAudioKey(ctx context.Context, trackID ids.ID, fileID ids.FileID) (ids.AudioKey, error) {
	f.calls.Add(1)
	var k ids.AudioKey
	for i := range k {
		k[i] = byte(i)
	}
	return k, nil
}

type fakeStorage struct {
	url  string
	size int64
}

func (f fakeStorage) ResolveStorage(ctx context.Context, fileID ids.FileID) (string, int64, error) {
	return f.url, f.size, nil
}

func float32LEBytes(v float32) []byte {
	bits := math.Float32bits(v)
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, bits)
	return b
}

func buildHead(bodyLen int) []byte {
	head := make([]byte, bodyLen)
	head[0] = 0xa7
	region := head[normalizationOffset : normalizationOffset+normalizationSize]
	copy(region[0:4], float32LEBytes(-6.5))
	copy(region[4:8], float32LEBytes(0.9))
	copy(region[8:12], float32LEBytes(-7.0))
	copy(region[12:16], float32LEBytes(0.95))
	return head
}

func testFileID() ids.FileID {
	var raw [20]byte
	for i := range raw {
		raw[i] = byte(i + 1)
	}
	fid, _ := ids.FileIDFromBytes(raw[:])
	return fid
}

func TestLoadWithHeadUsesLazyDownloader(t *testing.T) {
	headLen := normalizationOffset + normalizationSize + 32
	headBody := buildHead(headLen)
	headSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(headBody)
	}))
	defer headSrv.Close()

	cdnBody := make([]byte, 2000)
	var cdnRequests atomic.Int32
	cdnSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cdnRequests.Add(1)
		http.ServeContent(w, r, "f", time.Time{}, bytes.NewReader(cdnBody))
	}))
	defer cdnSrv.Close()

	keys := &fakeKeys{}
	src := NewSource(fakeMetadata{
		files: TrackFiles{Files: []AudioFile{{FileID: testFileID(), Format: "OGG_VORBIS_320"}}},
		meta:  model.TrackMetadata{URI: "spotify:track:x", Title: "Title"},
	}, keys, fakeStorage{url: cdnSrv.URL, size: int64(len(cdnBody))}, "high")
	src.headBaseURL = headSrv.URL

	stream, err := src.Load(context.Background(), "spotify:track:1drzYsppjswuNxcR6xIEqV")
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Dispose()

	// Load must return before the audio key or CDN URL is resolved: the
	// instant-start path defers both until a read crosses the head/CDN
	// boundary.
	if got := keys.calls.Load(); got != 0 {
		t.Errorf("expected audio key not requested yet, got %d calls", got)
	}
	if got := cdnRequests.Load(); got != 0 {
		t.Errorf("expected zero CDN requests before crossing the head boundary, got %d", got)
	}

	if stream.Metadata().Title != "Title" {
		t.Errorf("got metadata %+v", stream.Metadata())
	}
	if !stream.CanSeek() {
		t.Error("expected seekable stream")
	}
	norm := stream.Normalization()
	if norm.TrackGainDB == 0 {
		t.Error("expected parsed normalization data")
	}

	buf := make([]byte, 10)
	n, err := stream.Read(buf)
	if err != nil || n != 10 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if got := keys.calls.Load(); got != 0 {
		t.Errorf("a read still within head bytes must not request the audio key, got %d calls", got)
	}
	if got := cdnRequests.Load(); got != 0 {
		t.Errorf("a read still within head bytes must not hit the CDN, got %d", got)
	}

	// Reading past the head region crosses the boundary: now the audio
	// key and CDN URL are awaited and the first CDN range request fires.
	past := make([]byte, 10)
	if _, err := stream.Seek(int64(headLen), 0); err != nil {
		t.Fatalf("seek past head: %v", err)
	}
	if _, err := stream.Read(past); err != nil {
		t.Fatalf("read past head: %v", err)
	}
	if got := keys.calls.Load(); got != 1 {
		t.Errorf("expected exactly 1 audio key request after crossing the boundary, got %d", got)
	}
	if got := cdnRequests.Load(); got == 0 {
		t.Error("expected at least one CDN request after crossing the boundary")
	}
}

func TestCanHandleSpotifyPlayableURIs(t *testing.T) {
	src := NewSource(nil, nil, nil, "high")
	if !src.CanHandle("spotify:track:abc") {
		t.Error("expected true for spotify:track:")
	}
	if !src.CanHandle("spotify:episode:abc") {
		t.Error("expected true for spotify:episode:")
	}
	if src.CanHandle("spotify:album:abc") {
		t.Error("expected false for spotify:album:")
	}
}

