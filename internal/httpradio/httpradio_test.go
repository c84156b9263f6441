package httpradio

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-spotconnect/spotconnect/internal/track"
)

func TestSource_CanHandle(t *testing.T) {
	s := New()
	if !s.CanHandle("http://example.com/stream.mp3") {
		t.Fatal("expected http:// uri to be handled")
	}
	if !s.CanHandle("https://example.com/stream.mp3") {
		t.Fatal("expected https:// uri to be handled")
	}
	if s.CanHandle("spotify:track:abc") {
		t.Fatal("did not expect spotify uri to be handled")
	}
}

func TestSource_LoadStreamsBody(t *testing.T) {
	body := strings.Repeat("x", 10)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte(body))
	}))
	defer server.Close()

	s := New()
	st, err := s.Load(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer st.Dispose()

	got, err := io.ReadAll(st)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != body {
		t.Fatalf("got %q, want %q", got, body)
	}
	if st.CanSeek() {
		t.Fatal("did not expect httpradio stream to be seekable")
	}
	if _, err := st.Seek(0, io.SeekStart); err != track.ErrNotSeekable {
		t.Fatalf("expected ErrNotSeekable, got %v", err)
	}
	if st.KnownFormat() != "MPEG" {
		t.Fatalf("unexpected format %q", st.KnownFormat())
	}
}

func TestSource_LoadNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	s := New()
	if _, err := s.Load(context.Background(), server.URL); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}
