package ffprobe

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      string
		want    Info
		wantErr bool
	}{
		{
			name: "stream duration",
			in:   `{"streams":[{"width":1080,"height":1920,"duration":"12.500000"}],"format":{"duration":"13.0"}}`,
			want: Info{Width: 1080, Height: 1920, Duration: 12500 * time.Millisecond},
		},
		{
			name: "format fallback",
			in:   `{"streams":[{"width":720,"height":1280,"duration":"N/A"}],"format":{"duration":"8"}}`,
			want: Info{Width: 720, Height: 1280, Duration: 8 * time.Second},
		},
		{name: "no streams", in: `{"streams":[]}`, wantErr: true},
		{name: "zero width", in: `{"streams":[{"width":0,"height":10,"duration":"1"}]}`, wantErr: true},
		{name: "no duration", in: `{"streams":[{"width":10,"height":10}],"format":{}}`, wantErr: true},
		{name: "garbage", in: `not json`, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.in))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%s) expected error, got %+v", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Parse = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestProbeRunsBinary(t *testing.T) {
	dir := t.TempDir()
	stub := filepath.Join(dir, "ffprobe")
	script := "#!/bin/sh\necho '{\"streams\":[{\"width\":640,\"height\":360,\"duration\":\"2.0\"}]}'\n"
	if err := os.WriteFile(stub, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	info, err := Probe(context.Background(), stub, "/tmp/clip.mp4")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.Width != 640 || info.Height != 360 || info.Duration != 2*time.Second {
		t.Fatalf("Probe = %+v", info)
	}
}

func TestProbeFailure(t *testing.T) {
	dir := t.TempDir()
	stub := filepath.Join(dir, "ffprobe")
	if err := os.WriteFile(stub, []byte("#!/bin/sh\necho boom >&2\nexit 1\n"), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	if _, err := Probe(context.Background(), stub, "/tmp/clip.mp4"); err == nil {
		t.Fatal("expected error from failing ffprobe")
	}
}
