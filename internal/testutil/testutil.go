// Package testutil holds fixtures shared by the engine's package tests.
package testutil

import (
	"bytes"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/wav"
)

// SkipUnlessEnv skips the test unless the given env var equals the wanted value.
func SkipUnlessEnv(t *testing.T, key, want string) {
	t.Helper()
	if os.Getenv(key) != want {
		t.Skipf("skipped: set %s=%s to run", key, want)
	}
}

// IsCI reports whether running under common CI environments.
func IsCI() bool {
	return os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
}

// ToneFormat is the format WriteTone encodes with.
var ToneFormat = beep.Format{SampleRate: 44100, NumChannels: 2, Precision: 2}

// Tone returns a streamer producing n frames of a sine at freq Hz and the given amplitude.
func Tone(sr beep.SampleRate, freq, amp float64, n int) beep.Streamer {
	pos := 0
	return beep.Take(n, beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		for i := range samples {
			v := amp * math.Sin(2*math.Pi*freq*float64(pos)/float64(sr))
			samples[i][0], samples[i][1] = v, v
			pos++
		}
		return len(samples), true
	}))
}

// WriteTone writes a short 16-bit stereo sine WAV named name into dir and returns its path.
func WriteTone(t *testing.T, dir, name string, freq float64, d float64) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	n := int(d * float64(ToneFormat.SampleRate))
	if err := wav.Encode(f, Tone(ToneFormat.SampleRate, freq, 0.5, n), ToneFormat); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
	return path
}

// LogBuffer is a concurrency-safe sink for slog output in tests.
type LogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// String returns everything logged so far.
func (b *LogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Logger returns a debug-level text logger writing into a fresh LogBuffer.
func Logger() (*slog.Logger, *LogBuffer) {
	lb := &LogBuffer{}
	h := slog.NewTextHandler(lb, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(h), lb
}
