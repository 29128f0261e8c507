package audio

import (
	"testing"

	"go.uber.org/zap"
)

type fakeSource struct {
	pcm     []byte
	playing bool
	stopped bool
}

func (s *fakeSource) Play() { s.playing = true }

func (s *fakeSource) Stop() {
	s.playing = false
	s.stopped = true
}

type fakeEngine struct {
	suspended bool
	resumes   int
	suspends  int
	sources   []*fakeSource
}

func (e *fakeEngine) Suspended() bool { return e.suspended }

func (e *fakeEngine) Suspend() error {
	e.suspends++
	e.suspended = true
	return nil
}

func (e *fakeEngine) Resume() error {
	e.resumes++
	e.suspended = false
	return nil
}

func (e *fakeEngine) NewSource(pcm []byte) source {
	s := &fakeSource{pcm: pcm}
	e.sources = append(e.sources, s)
	return s
}

func newTestPlayback(engine playbackEngine) *Playback {
	return &Playback{logger: zap.NewNop(), engine: engine}
}

func TestPlay_EmptyBufferIsNoOp(t *testing.T) {
	engine := &fakeEngine{}
	p := newTestPlayback(engine)

	p.Play(nil)
	p.Play([]float32{})

	if len(engine.sources) != 0 {
		t.Fatalf("created %d sources for empty input, want 0", len(engine.sources))
	}
}

func TestPlay_NewChunkPreemptsCurrent(t *testing.T) {
	engine := &fakeEngine{}
	p := newTestPlayback(engine)

	p.Play(make([]float32, 240))
	p.Play(make([]float32, 480))

	if len(engine.sources) != 2 {
		t.Fatalf("created %d sources, want 2", len(engine.sources))
	}
	first, second := engine.sources[0], engine.sources[1]
	if !first.stopped {
		t.Fatalf("first source still active after second Play")
	}
	if !second.playing {
		t.Fatalf("second source not playing")
	}
	if len(second.pcm) != 960 {
		t.Fatalf("second source PCM = %d bytes, want 960", len(second.pcm))
	}
}

func TestPlay_ResumesSuspendedEngine(t *testing.T) {
	engine := &fakeEngine{suspended: true}
	p := newTestPlayback(engine)

	p.Play(make([]float32, 240))

	if engine.resumes != 1 {
		t.Fatalf("engine resumed %d times, want 1", engine.resumes)
	}
	if len(engine.sources) != 1 || !engine.sources[0].playing {
		t.Fatalf("chunk not played after resume")
	}
}

func TestStop_Idempotent(t *testing.T) {
	engine := &fakeEngine{}
	p := newTestPlayback(engine)

	p.Stop() // nothing playing yet

	p.Play(make([]float32, 240))
	p.Stop()
	p.Stop()

	if !engine.sources[0].stopped {
		t.Fatalf("source not stopped")
	}
}

func TestSuspend_ParksEngineUntilNextPlay(t *testing.T) {
	engine := &fakeEngine{}
	p := newTestPlayback(engine)

	p.Play(make([]float32, 240))
	p.Suspend()

	if !engine.sources[0].stopped {
		t.Fatalf("current source not stopped on suspend")
	}
	if engine.suspends != 1 || !engine.suspended {
		t.Fatalf("engine not suspended (suspends = %d)", engine.suspends)
	}

	p.Play(make([]float32, 240))

	if engine.resumes != 1 {
		t.Fatalf("engine resumed %d times after suspend, want 1", engine.resumes)
	}
	if len(engine.sources) != 2 || !engine.sources[1].playing {
		t.Fatalf("chunk not played after resume")
	}
}

func TestPlay_EncodesAsymmetricPCM(t *testing.T) {
	engine := &fakeEngine{}
	p := newTestPlayback(engine)

	p.Play([]float32{-1, 1})

	pcm := engine.sources[0].pcm
	if len(pcm) != 4 {
		t.Fatalf("PCM length = %d, want 4", len(pcm))
	}
	neg := int16(pcm[0]) | int16(pcm[1])<<8
	pos := int16(pcm[2]) | int16(pcm[3])<<8
	if neg != -32768 {
		t.Fatalf("full-scale negative sample = %d, want -32768", neg)
	}
	if pos != 32767 {
		t.Fatalf("full-scale positive sample = %d, want 32767", pos)
	}
}
