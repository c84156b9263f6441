package track

import (
	"fmt"
	"strings"
)

// TrackFiles is the candidate set an audio file is selected from: the
// track's own encodings plus the file lists of its alternative tracks
// (region-restricted originals usually carry playable alternatives).
type TrackFiles struct {
	Files        []AudioFile
	Alternatives []TrackFiles
}

// qualityFormats maps a preferred quality to its ordered format
// preference list.
var qualityFormats = map[string][]string{
	"low":    {"OGG_VORBIS_96", "MP3_96"},
	"normal": {"OGG_VORBIS_160", "MP3_160"},
	"high":   {"OGG_VORBIS_320", "MP3_320", "MP3_256"},
}

// SelectAudioFile picks the AudioFile to play from a candidate set: try
// each format in the quality's preference list, fall back to any Ogg
// Vorbis encoding, then to the first file, then recurse into the
// alternative tracks. An empty set is an error.
func SelectAudioFile(files TrackFiles, preferredQuality string) (AudioFile, error) {
	if f, ok := selectAudioFile(files, preferredQuality); ok {
		return f, nil
	}
	return AudioFile{}, fmt.Errorf("track: no playable audio file (quality %q)", preferredQuality)
}

func selectAudioFile(t TrackFiles, quality string) (AudioFile, bool) {
	for _, format := range qualityFormats[strings.ToLower(quality)] {
		for _, f := range t.Files {
			if f.Format == format {
				return f, true
			}
		}
	}
	for _, f := range t.Files {
		if strings.HasPrefix(f.Format, "OGG_VORBIS") {
			return f, true
		}
	}
	if len(t.Files) > 0 {
		return t.Files[0], true
	}
	for _, alt := range t.Alternatives {
		if f, ok := selectAudioFile(alt, quality); ok {
			return f, true
		}
	}
	return AudioFile{}, false
}
