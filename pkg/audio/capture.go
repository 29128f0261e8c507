package audio

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
	"gopkg.in/hraban/opus.v2"
)

// DefaultChunkInterval is the cadence at which captured chunks are emitted.
const DefaultChunkInterval = 400 * time.Millisecond

// opusFrameSamples is the encoder frame size: 40 ms at 24 kHz, which
// divides the chunk interval evenly.
const opusFrameSamples = SampleRate * 40 / 1000

// Classified capture initialization failures. Each is distinguishable with
// errors.Is so the caller can surface an actionable message.
var (
	ErrPermissionDenied = errors.New("audio: microphone access denied")
	ErrNoDevice         = errors.New("audio: no capture device available")
	ErrDeviceBusy       = errors.New("audio: capture device is busy")
)

// capturePreference orders chunk formats most-preferred first: the
// compressed container when an encoder is available, then raw PCM
// fallbacks that are always supported but heavier on the wire.
var capturePreference = []ChunkFormat{FormatOpus, FormatPCM16, FormatPCMF32}

// selectChunkFormat walks the preference list and returns the first format
// the probe accepts. When nothing is supported it returns
// FormatUnspecified and false so the caller can flag the degradation.
func selectChunkFormat(supported func(ChunkFormat) bool) (ChunkFormat, bool) {
	for _, format := range capturePreference {
		if supported(format) {
			return format, true
		}
	}
	return FormatUnspecified, false
}

// captureBackend is the slice of the platform device the capture pipeline
// drives. The real implementation wraps a malgo device.
type captureBackend interface {
	Start() error
	Stop() error
	Uninit()
}

type malgoBackend struct {
	device *malgo.Device
}

func (b *malgoBackend) Start() error { return b.device.Start() }
func (b *malgoBackend) Stop() error  { return b.device.Stop() }
func (b *malgoBackend) Uninit()      { b.device.Uninit() }

// CaptureConfig tunes the microphone pipeline. Zero values select the
// defaults (24 kHz mono, 400 ms chunks).
type CaptureConfig struct {
	SampleRate    int
	ChunkInterval time.Duration
}

// Capture owns the microphone device handle and the chunked-capture timer.
// It emits encoded chunks on a fixed cadence and knows nothing about the
// protocol engine consuming them.
type Capture struct {
	cfg    CaptureConfig
	logger *zap.Logger

	mu          sync.Mutex
	ctx         *malgo.AllocatedContext
	backend     captureBackend
	format      ChunkFormat
	enc         *opus.Encoder
	initialized bool
	streaming   bool
	stop        chan struct{}
	pending     []byte
	onChunk     func(CapturedChunk)
}

// NewCapture returns an uninitialized Capture. A nil logger disables
// logging.
func NewCapture(cfg CaptureConfig, logger *zap.Logger) *Capture {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = SampleRate
	}
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = DefaultChunkInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Capture{cfg: cfg, logger: logger}
}

// Initialize acquires an exclusive microphone handle: mono, fixed sample
// rate, low-latency capture periods. Failures are classified so permission
// denial, a missing device, and a busy device are distinguishable.
func (c *Capture) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}

	format, ok := c.selectFormatLocked()
	if !ok {
		c.logger.Warn("no preferred capture format supported, using unspecified container")
	}
	c.format = format

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return classifyCaptureError(err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Channels = Channels
	deviceConfig.SampleRate = uint32(c.cfg.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20
	if format == FormatPCMF32 {
		deviceConfig.Capture.Format = malgo.FormatF32
	} else {
		deviceConfig.Capture.Format = malgo.FormatS16
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			c.push(input)
		},
	}
	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return classifyCaptureError(err)
	}

	c.ctx = mctx
	c.backend = &malgoBackend{device: device}
	c.initialized = true
	return nil
}

func (c *Capture) selectFormatLocked() (ChunkFormat, bool) {
	return selectChunkFormat(func(format ChunkFormat) bool {
		switch format {
		case FormatOpus:
			enc, err := opus.NewEncoder(c.cfg.SampleRate, Channels, opus.AppVoIP)
			if err != nil {
				c.logger.Debug("opus encoder unavailable, falling back", zap.Error(err))
				return false
			}
			c.enc = enc
			return true
		case FormatPCM16, FormatPCMF32:
			return true
		default:
			return false
		}
	})
}

// push accumulates device callback data for the next tick. At most one
// pending chunk is buffered; the cadence timer drains it.
func (c *Capture) push(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.streaming {
		return
	}
	c.pending = append(c.pending, data...)
}

// StartStreaming begins periodic chunk emission. Calling while already
// streaming is a no-op: one capture pipeline, never two.
func (c *Capture) StartStreaming(onChunk func(CapturedChunk)) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return errors.New("audio: capture is not initialized")
	}
	if c.streaming {
		c.mu.Unlock()
		return nil
	}
	c.streaming = true
	c.onChunk = onChunk
	c.pending = nil
	c.stop = make(chan struct{})
	stop := c.stop
	backend := c.backend
	c.mu.Unlock()

	if err := backend.Start(); err != nil {
		c.mu.Lock()
		c.streaming = false
		c.stop = nil
		c.mu.Unlock()
		return fmt.Errorf("start capture device: %w", err)
	}

	go c.emitLoop(stop)
	return nil
}

func (c *Capture) emitLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.ChunkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.emitPending()
		}
	}
}

func (c *Capture) emitPending() {
	c.mu.Lock()
	if !c.streaming || len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	raw := c.pending
	c.pending = nil
	format := c.format
	enc := c.enc
	onChunk := c.onChunk
	c.mu.Unlock()

	chunk := CapturedChunk{Format: format, Data: raw}
	if format == FormatOpus {
		compressed, err := compressOpusChunk(enc, raw)
		if err != nil {
			c.logger.Warn("opus encode failed, emitting raw chunk", zap.Error(err))
			chunk = CapturedChunk{Format: FormatPCM16, Data: raw}
		} else {
			chunk = CapturedChunk{Format: FormatOpus, Data: compressed}
		}
	}
	if onChunk != nil {
		onChunk(chunk)
	}
}

// compressOpusChunk encodes raw PCM16LE into the length-prefixed opus
// container, frame by frame. A trailing partial frame is zero-padded.
func compressOpusChunk(enc *opus.Encoder, raw []byte) ([]byte, error) {
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(raw[i*2]) | int16(raw[i*2+1])<<8
	}

	out := make([]byte, 0, len(raw)/4)
	packet := make([]byte, 4000)
	frame := make([]int16, opusFrameSamples)
	for off := 0; off < len(samples); off += opusFrameSamples {
		end := off + opusFrameSamples
		if end > len(samples) {
			end = len(samples)
		}
		n := copy(frame, samples[off:end])
		for i := n; i < opusFrameSamples; i++ {
			frame[i] = 0
		}
		written, err := enc.Encode(frame, packet)
		if err != nil {
			return nil, err
		}
		out = appendOpusPacket(out, packet[:written])
	}
	return out, nil
}

// StopStreaming halts emission and releases the capture pipeline but keeps
// the device handle. Idempotent.
func (c *Capture) StopStreaming() {
	c.mu.Lock()
	if !c.streaming {
		c.mu.Unlock()
		return
	}
	c.streaming = false
	close(c.stop)
	c.stop = nil
	c.pending = nil
	c.onChunk = nil
	backend := c.backend
	c.mu.Unlock()

	if backend != nil {
		if err := backend.Stop(); err != nil {
			c.logger.Warn("stop capture device", zap.Error(err))
		}
	}
}

// Cleanup stops streaming and releases the device and the audio context.
// Safe to call multiple times and from any state.
func (c *Capture) Cleanup() {
	c.StopStreaming()

	c.mu.Lock()
	backend := c.backend
	mctx := c.ctx
	c.backend = nil
	c.ctx = nil
	c.enc = nil
	c.initialized = false
	c.mu.Unlock()

	if backend != nil {
		backend.Uninit()
	}
	if mctx != nil {
		if err := mctx.Uninit(); err != nil {
			c.logger.Warn("uninit audio context", zap.Error(err))
		}
		mctx.Free()
	}
}

// Format reports the negotiated chunk container format.
func (c *Capture) Format() ChunkFormat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.format
}

// classifyCaptureError maps platform device errors onto the capture error
// taxonomy, preserving the original as wrapped context.
func classifyCaptureError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied") || strings.Contains(msg, "permission"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "no device") || strings.Contains(msg, "device not found") || strings.Contains(msg, "no backend"):
		return fmt.Errorf("%w: %v", ErrNoDevice, err)
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use") || strings.Contains(msg, "already in use"):
		return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	default:
		return fmt.Errorf("audio: capture initialization failed: %w", err)
	}
}
