package track

import (
	"testing"

	"github.com/go-spotconnect/spotconnect/internal/ids"
)

func fileWith(format string, tag byte) AudioFile {
	var raw [20]byte
	for i := range raw {
		raw[i] = tag
	}
	fid, _ := ids.FileIDFromBytes(raw[:])
	return AudioFile{FileID: fid, Format: format}
}

func TestSelectAudioFile(t *testing.T) {
	cases := []struct {
		name    string
		files   TrackFiles
		quality string
		want    string
		wantErr bool
	}{
		{
			name: "exact quality match wins",
			files: TrackFiles{Files: []AudioFile{
				fileWith("MP3_320", 1),
				fileWith("OGG_VORBIS_320", 2),
			}},
			quality: "high",
			want:    "OGG_VORBIS_320",
		},
		{
			name: "preference list order is respected",
			files: TrackFiles{Files: []AudioFile{
				fileWith("MP3_256", 1),
				fileWith("MP3_320", 2),
			}},
			quality: "high",
			want:    "MP3_320",
		},
		{
			name: "no quality match falls back to any ogg vorbis",
			files: TrackFiles{Files: []AudioFile{
				fileWith("AAC_24", 1),
				fileWith("OGG_VORBIS_96", 2),
			}},
			quality: "high",
			want:    "OGG_VORBIS_96",
		},
		{
			name: "no ogg vorbis falls back to first file",
			files: TrackFiles{Files: []AudioFile{
				fileWith("AAC_24", 1),
				fileWith("MP3_96", 2),
			}},
			quality: "high",
			want:    "AAC_24",
		},
		{
			name: "empty file list recurses into alternatives",
			files: TrackFiles{
				Alternatives: []TrackFiles{
					{},
					{Files: []AudioFile{fileWith("OGG_VORBIS_160", 1)}},
				},
			},
			quality: "normal",
			want:    "OGG_VORBIS_160",
		},
		{
			name: "alternatives apply the same preference rules",
			files: TrackFiles{
				Alternatives: []TrackFiles{
					{Files: []AudioFile{
						fileWith("MP3_160", 1),
						fileWith("OGG_VORBIS_160", 2),
					}},
				},
			},
			quality: "normal",
			want:    "OGG_VORBIS_160",
		},
		{
			name:    "nothing selectable errors",
			files:   TrackFiles{Alternatives: []TrackFiles{{}, {}}},
			quality: "high",
			wantErr: true,
		},
		{
			name:    "unknown quality still falls back",
			files:   TrackFiles{Files: []AudioFile{fileWith("MP3_96", 1)}},
			quality: "ultra",
			want:    "MP3_96",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := SelectAudioFile(c.files, c.quality)
			if c.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Format != c.want {
				t.Errorf("got format %q, want %q", got.Format, c.want)
			}
		})
	}
}
