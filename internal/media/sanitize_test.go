package media

import (
	"net/url"
	"testing"
)

func TestSanitizeForEncoder(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://cdn.example.com/a.mp3", "https://cdn.example.com/a.mp3"},
		{"https://cdn.example.com/my song.mp3", "https://cdn.example.com/my%20song.mp3"},
		{"https://cdn.example.com/🎵.mp3", "https://cdn.example.com/%F0%9F%8E%B5.mp3"},
		{"https://cdn.example.com/caf%C3%A9.mp3?sig=a%2Bb", "https://cdn.example.com/caf%C3%A9.mp3?sig=a%2Bb"},
		{"https://cdn.example.com/100%.mp3", "https://cdn.example.com/100%25.mp3"},
		{"https://cdn.example.com/{x}|y", "https://cdn.example.com/%7Bx%7D%7Cy"},
	}

	for _, tt := range tests {
		if got := SanitizeForEncoder(tt.in); got != tt.want {
			t.Errorf("SanitizeForEncoder(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeForEncoderIdempotent(t *testing.T) {
	inputs := []string{
		"https://cdn.example.com/🎵 party/ünïcødé.mp3?X-Amz-Signature=ab%2Fcd",
		"https://cdn.example.com/50%off.mp3",
		"/relative path/✨.wav",
	}
	for _, in := range inputs {
		once := SanitizeForEncoder(in)
		twice := SanitizeForEncoder(once)
		if once != twice {
			t.Errorf("not idempotent: %q -> %q -> %q", in, once, twice)
		}
	}
}

func TestSanitizeForEncoderKeepsTarget(t *testing.T) {
	in := "https://cdn.example.com/🎵 party/track.mp3"
	out := SanitizeForEncoder(in)

	u, err := url.Parse(out)
	if err != nil {
		t.Fatalf("sanitized URL does not parse: %v", err)
	}
	if u.Path != "/🎵 party/track.mp3" {
		t.Errorf("decoded path changed: %q", u.Path)
	}
	for i := 0; i < len(out); i++ {
		if out[i] >= 0x7f || out[i] <= 0x20 {
			t.Fatalf("unsafe byte %q left at %d in %q", out[i], i, out)
		}
	}
}
