package ids

import "testing"

func TestRoundTripBase62(t *testing.T) {
	cases := []string{
		"4iV5W9uYEdYUVa79Axb7Rh",
		"0000000000000000000000",
		"7xGvTUFL05xyvAtdiNvQzr",
	}
	for _, b62 := range cases {
		id, err := FromBase62(TypeTrack, b62)
		if err != nil {
			t.Fatalf("FromBase62(%q): %v", b62, err)
		}
		if got := id.ToBase62(); got != b62 {
			t.Errorf("round trip base62: got %q, want %q", got, b62)
		}
	}
}

func TestRoundTripHex(t *testing.T) {
	id, err := FromBase62(TypeTrack, "4iV5W9uYEdYUVa79Axb7Rh")
	if err != nil {
		t.Fatal(err)
	}
	h := id.ToHex()
	back, err := FromHex(TypeTrack, h)
	if err != nil {
		t.Fatalf("FromHex(%q): %v", h, err)
	}
	if !back.Equal(id) {
		t.Errorf("hex round trip mismatch: %v != %v", back, id)
	}
}

func TestRoundTripURI(t *testing.T) {
	id, err := FromBase62(TypeTrack, "4iV5W9uYEdYUVa79Axb7Rh")
	if err != nil {
		t.Fatal(err)
	}
	uri := id.ToURI()
	back, err := FromURI(uri)
	if err != nil {
		t.Fatalf("FromURI(%q): %v", uri, err)
	}
	if !back.Equal(id) {
		t.Errorf("uri round trip mismatch: %v != %v", back, id)
	}
}

func TestFromURLMatchesFromURI(t *testing.T) {
	fromURL, err := FromURL("https://open.spotify.com/track/4iV5W9uYEdYUVa79Axb7Rh")
	if err != nil {
		t.Fatal(err)
	}
	fromURI, err := FromURI("spotify:track:4iV5W9uYEdYUVa79Axb7Rh")
	if err != nil {
		t.Fatal(err)
	}
	if !fromURL.Equal(fromURI) {
		t.Errorf("FromURL/FromURI mismatch: %v != %v", fromURL, fromURI)
	}
}

func TestBase62Alphabet(t *testing.T) {
	want := "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	if base62Alphabet != want {
		t.Errorf("base62 alphabet changed: got %q", base62Alphabet)
	}
}

func TestEqualityAcrossType(t *testing.T) {
	track, _ := FromBase62(TypeTrack, "4iV5W9uYEdYUVa79Axb7Rh")
	album, _ := FromBase62(TypeAlbum, "4iV5W9uYEdYUVa79Axb7Rh")
	if track.Equal(album) {
		t.Errorf("ids with same value but different type must not be equal")
	}
}

func TestFileIDRoundTrip(t *testing.T) {
	hexStr := "0102030405060708090a0b0c0d0e0f1011121314"
	f, err := FileIDFromHex(hexStr)
	if err != nil {
		t.Fatal(err)
	}
	if got := f.ToHex(); got != hexStr {
		t.Errorf("got %q, want %q", got, hexStr)
	}
}

func TestFileIDIsZero(t *testing.T) {
	var f FileID
	if !f.IsZero() {
		t.Errorf("default FileID should be zero")
	}
	f[0] = 1
	if f.IsZero() {
		t.Errorf("non-default FileID should not be zero")
	}
}
