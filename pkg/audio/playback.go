package audio

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/ebitengine/oto/v3"
	"go.uber.org/zap"
)

// playbackBufferBytes is ~100 ms at 24 kHz mono PCM16: small enough for
// low latency, large enough to avoid glitches.
const playbackBufferBytes = 4800

// source is one scheduled playback of a decoded buffer.
type source interface {
	Play()
	Stop()
}

// playbackEngine abstracts the output pipeline so tests can observe the
// at-most-one-source policy without real hardware.
type playbackEngine interface {
	Suspended() bool
	Suspend() error
	Resume() error
	NewSource(pcm []byte) source
}

type otoEngine struct {
	ctx *oto.Context

	mu        sync.Mutex
	suspended bool
}

func newOtoEngine() (*otoEngine, error) {
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   SampleRate,
		ChannelCount: Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   playbackBufferBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("init playback context: %w", err)
	}
	<-ready
	return &otoEngine{ctx: ctx}, nil
}

func (e *otoEngine) Suspended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suspended
}

func (e *otoEngine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.suspended {
		return nil
	}
	if err := e.ctx.Resume(); err != nil {
		return err
	}
	e.suspended = false
	return nil
}

func (e *otoEngine) Suspend() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.suspended {
		return nil
	}
	if err := e.ctx.Suspend(); err != nil {
		return err
	}
	e.suspended = true
	return nil
}

func (e *otoEngine) NewSource(pcm []byte) source {
	return &otoSource{player: e.ctx.NewPlayer(bytes.NewReader(pcm))}
}

type otoSource struct {
	player *oto.Player
}

func (s *otoSource) Play() { s.player.Play() }

func (s *otoSource) Stop() {
	s.player.Pause()
	_ = s.player.Close()
}

// Playback owns the output audio pipeline and schedules sequential,
// non-overlapping playback: at most one source plays at a time, and a new
// Play preempts whatever is playing (last submitted wins, not FIFO).
type Playback struct {
	logger *zap.Logger

	mu      sync.Mutex
	engine  playbackEngine
	current source
}

// NewPlayback acquires the shared output context. The constructor blocks
// until the platform pipeline is ready.
func NewPlayback(logger *zap.Logger) (*Playback, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	engine, err := newOtoEngine()
	if err != nil {
		return nil, err
	}
	return &Playback{logger: logger, engine: engine}, nil
}

// Play schedules samples for playback. A suspended output context is
// resumed first. Anything currently playing is stopped and discarded;
// chunks are never queued or mixed. Empty input is a no-op.
func (p *Playback) Play(samples []float32) {
	if len(samples) == 0 {
		return
	}
	pcm := make([]byte, len(samples)*2)
	for i, sample := range samples {
		s := floatToPCM16(sample)
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.engine.Suspended() {
		if err := p.engine.Resume(); err != nil {
			p.logger.Warn("resume playback context failed", zap.Error(err))
			return
		}
	}
	if p.current != nil {
		p.current.Stop()
	}
	p.current = p.engine.NewSource(pcm)
	p.current.Play()
}

// Stop stops the current source, if any. Idempotent.
func (p *Playback) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return
	}
	p.current.Stop()
	p.current = nil
}

// Suspend stops anything playing and parks the shared output context so
// the platform can power the device down between sessions. The next Play
// resumes it.
func (p *Playback) Suspend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		p.current.Stop()
		p.current = nil
	}
	if err := p.engine.Suspend(); err != nil {
		p.logger.Warn("suspend playback context failed", zap.Error(err))
	}
}
