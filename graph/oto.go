package graph

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gopxl/beep/v2"
)

const (
	otoChannels      = 2
	otoBytesPerFrame = otoChannels * 4 // float32LE
)

// OtoBackend plays graphs through the system's default audio output. oto
// allows a single context per process, so every sink shares it and each graph
// gets its own player.
type OtoBackend struct {
	buffer time.Duration

	once   sync.Once
	ctx    *oto.Context
	rate   beep.SampleRate
	ctxErr error
}

func NewOtoBackend(buffer time.Duration) *OtoBackend {
	return &OtoBackend{buffer: buffer}
}

func (b *OtoBackend) Name() string { return "oto" }

func (b *OtoBackend) context(format beep.Format) (*oto.Context, error) {
	b.once.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   int(format.SampleRate),
			ChannelCount: otoChannels,
			Format:       oto.FormatFloat32LE,
			BufferSize:   b.buffer,
		})
		if err != nil {
			b.ctxErr = fmt.Errorf("create oto context: %w", err)
			return
		}
		<-ready
		b.ctx = ctx
		b.rate = format.SampleRate
	})
	if b.ctxErr != nil {
		return nil, b.ctxErr
	}
	if format.SampleRate != b.rate {
		return nil, fmt.Errorf("oto context runs at %d Hz, graph wants %d Hz", b.rate, format.SampleRate)
	}
	return b.ctx, nil
}

func (b *OtoBackend) NewSink(format beep.Format) (Sink, error) {
	ctx, err := b.context(format)
	if err != nil {
		return nil, err
	}
	return &otoSink{ctx: ctx}, nil
}

type otoSink struct {
	ctx *oto.Context

	mu     sync.Mutex
	player *oto.Player
}

func (s *otoSink) BindDevice(deviceID string) error {
	return fmt.Errorf("%w: oto renders to the system default output (requested %s)", ErrBindUnsupported, deviceID)
}

func (s *otoSink) Start(src beep.Streamer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player != nil && s.player.IsPlaying() {
		return nil
	}
	if s.player != nil {
		_ = s.player.Close()
	}
	p := s.ctx.NewPlayer(&streamReader{src: src})
	p.Play()
	if err := p.Err(); err != nil {
		_ = p.Close()
		return err
	}
	s.player = p
	return nil
}

func (s *otoSink) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.player != nil && s.player.IsPlaying()
}

func (s *otoSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player == nil {
		return nil
	}
	err := s.player.Close()
	s.player = nil
	return err
}

// streamReader adapts a beep.Streamer to the io.Reader oto pulls from.
type streamReader struct {
	src beep.Streamer
	buf [][2]float64
}

func (r *streamReader) Read(p []byte) (int, error) {
	frames := len(p) / otoBytesPerFrame
	if frames == 0 {
		return 0, nil
	}
	if cap(r.buf) < frames {
		r.buf = make([][2]float64, frames)
	}
	buf := r.buf[:frames]
	n, _ := r.src.Stream(buf)
	for i := n; i < frames; i++ {
		buf[i] = [2]float64{}
	}
	for i, f := range buf {
		off := i * otoBytesPerFrame
		binary.LittleEndian.PutUint32(p[off:], math.Float32bits(float32(f[0])))
		binary.LittleEndian.PutUint32(p[off+4:], math.Float32bits(float32(f[1])))
	}
	return frames * otoBytesPerFrame, nil
}
