package playback

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-spotconnect/spotconnect/internal/dealer"
	"github.com/go-spotconnect/spotconnect/internal/model"
)

func jsonDecoder(payload []byte) (model.ClusterView, error) {
	var v model.ClusterView
	err := json.Unmarshal(payload, &v)
	return v, err
}

func TestTrackChangedPublished(t *testing.T) {
	d := dealer.New(nil, nil)
	m := New(d, jsonDecoder, "self", false, nil)
	defer m.Close()

	ch, cancel := m.TrackChanged()
	defer cancel()

	view := model.ClusterView{PlayerState: model.PlayerState{TrackURI: "spotify:track:1", ServerTimestamp: 10}}
	data, _ := json.Marshal(view)
	m.handleClusterMessage(dealer.Message{URI: clusterURI, Payload: data})

	select {
	case got := <-ch:
		if got.PlayerState.TrackURI != "spotify:track:1" {
			t.Errorf("got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestStaleTimestampDropped(t *testing.T) {
	d := dealer.New(nil, nil)
	m := New(d, jsonDecoder, "self", false, nil)
	defer m.Close()

	ch, cancel := m.TrackChanged()
	defer cancel()

	first := model.ClusterView{PlayerState: model.PlayerState{TrackURI: "a", ServerTimestamp: 100}}
	data, _ := json.Marshal(first)
	m.handleClusterMessage(dealer.Message{URI: clusterURI, Payload: data})
	<-ch

	stale := model.ClusterView{PlayerState: model.PlayerState{TrackURI: "b", ServerTimestamp: 50}}
	data, _ = json.Marshal(stale)
	m.handleClusterMessage(dealer.Message{URI: clusterURI, Payload: data})

	select {
	case got := <-ch:
		t.Fatalf("stale update should have been dropped, got %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTransferRequestOnActiveDeviceChange(t *testing.T) {
	d := dealer.New(nil, nil)
	m := New(d, jsonDecoder, "self", false, nil)
	defer m.Close()

	ch, cancel := m.TransferRequests()
	defer cancel()

	view := model.ClusterView{ActiveDeviceID: "self", PlayerState: model.PlayerState{ServerTimestamp: 1}}
	data, _ := json.Marshal(view)
	m.handleClusterMessage(dealer.Message{URI: clusterURI, Payload: data})

	select {
	case got := <-ch:
		if got.ActiveDeviceID != "self" {
			t.Errorf("got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestMaybeGunzipPassesThroughPlainData(t *testing.T) {
	out, err := maybeGunzip([]byte("plain"))
	if err != nil || string(out) != "plain" {
		t.Errorf("got %q, %v", out, err)
	}
}

func TestMaybeGunzipDecompresses(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write([]byte("compressed"))
	gz.Close()

	out, err := maybeGunzip(buf.Bytes())
	if err != nil || string(out) != "compressed" {
		t.Errorf("got %q, %v", out, err)
	}
}

func TestBidirectionalSuppressesReflectionsWhenLocalActive(t *testing.T) {
	d := dealer.New(nil, nil)
	m := New(d, jsonDecoder, "self", true, func() bool { return true })
	defer m.Close()

	ch, cancel := m.TrackChanged()
	defer cancel()

	view := model.ClusterView{PlayerState: model.PlayerState{TrackURI: "x", ServerTimestamp: 1}}
	data, _ := json.Marshal(view)
	m.handleClusterMessage(dealer.Message{URI: clusterURI, Payload: data})

	select {
	case got := <-ch:
		t.Fatalf("expected suppressed reflection, got %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}
