package media

import (
	"errors"
	"testing"
)

func TestParseResolution(t *testing.T) {
	data := []byte(`{
		"streams": [
			{"codec_type": "audio", "channels": 2},
			{"codec_type": "video", "width": 3840, "height": 2160}
		]
	}`)

	res, err := ParseResolution(data)
	if err != nil {
		t.Fatalf("ParseResolution: %v", err)
	}
	if res.Width != 3840 || res.Height != 2160 {
		t.Errorf("got %s, want 3840x2160", res)
	}
}

func TestParseResolutionFirstVideoStreamWins(t *testing.T) {
	data := []byte(`{
		"streams": [
			{"codec_type": "video", "width": 1920, "height": 1080},
			{"codec_type": "video", "width": 3840, "height": 2160}
		]
	}`)

	res, err := ParseResolution(data)
	if err != nil {
		t.Fatalf("ParseResolution: %v", err)
	}
	if res.Width != 1920 || res.Height != 1080 {
		t.Errorf("got %s, want 1920x1080", res)
	}
}

func TestParseResolutionNoVideoStream(t *testing.T) {
	data := []byte(`{"streams": [{"codec_type": "audio", "channels": 2}]}`)

	_, err := ParseResolution(data)
	if !errors.Is(err, ErrNoVideoStream) {
		t.Errorf("err = %v, want ErrNoVideoStream", err)
	}
}

func TestParseResolutionZeroDimensions(t *testing.T) {
	data := []byte(`{"streams": [{"codec_type": "video", "width": 0, "height": 0}]}`)

	_, err := ParseResolution(data)
	if !errors.Is(err, ErrNoVideoStream) {
		t.Errorf("err = %v, want ErrNoVideoStream", err)
	}
}

func TestParseResolutionMalformedJSON(t *testing.T) {
	if _, err := ParseResolution([]byte("not json")); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestIsUHD(t *testing.T) {
	cases := []struct {
		w, h int
		want bool
	}{
		{3840, 2160, true},
		{3839, 2160, true},  // height alone reaches 4K
		{3840, 2159, true},  // width alone reaches 4K
		{3839, 2159, false},
		{1920, 1080, false},
		{4096, 2160, true}, // DCI 4K
	}

	for _, tc := range cases {
		res := Resolution{Width: tc.w, Height: tc.h}
		if got := res.IsUHD(); got != tc.want {
			t.Errorf("Resolution{%d, %d}.IsUHD() = %v, want %v", tc.w, tc.h, got, tc.want)
		}
	}
}
