package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchCredentials_DetectsWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")
	if err := os.WriteFile(path, []byte("initial"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	changes := make(chan []byte, 4)
	w, err := WatchCredentials(path, func(data []byte) { changes <- data })
	if err != nil {
		t.Fatalf("WatchCredentials: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("refreshed"), 0o600); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}

	select {
	case data := <-changes:
		if string(data) != "refreshed" {
			t.Errorf("got %q, want %q", data, "refreshed")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for onChange callback")
	}
}

func TestWatchCredentials_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")
	if err := os.WriteFile(path, []byte("initial"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	changes := make(chan []byte, 4)
	w, err := WatchCredentials(path, func(data []byte) { changes <- data })
	if err != nil {
		t.Fatalf("WatchCredentials: %v", err)
	}
	defer w.Close()

	other := filepath.Join(dir, "unrelated.txt")
	if err := os.WriteFile(other, []byte("noise"), 0o600); err != nil {
		t.Fatalf("write unrelated file: %v", err)
	}

	select {
	case data := <-changes:
		t.Fatalf("unexpected onChange for unrelated file: %q", data)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatchCredentials_MissingFileAtStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")

	changes := make(chan []byte, 4)
	w, err := WatchCredentials(path, func(data []byte) { changes <- data })
	if err != nil {
		t.Fatalf("WatchCredentials on missing file: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("first login"), 0o600); err != nil {
		t.Fatalf("create file: %v", err)
	}

	select {
	case data := <-changes:
		if string(data) != "first login" {
			t.Errorf("got %q, want %q", data, "first login")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for onChange after initial creation")
	}
}
