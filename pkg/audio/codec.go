// Package audio implements the capture, transcoding, and playback pipeline
// for realtime voice sessions: microphone chunks in, base64 PCM16 wire
// chunks out, and decoded wire audio back into playable sample buffers.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"math"

	"go.uber.org/zap"
	"gopkg.in/hraban/opus.v2"
)

const (
	// SampleRate is the fixed wire sample rate: mono PCM16LE at 24 kHz.
	SampleRate = 24000
	// Channels is fixed to mono; multi-channel capture sources are not
	// downmixed, only channel 0 is used.
	Channels = 1

	// minChunkBytes: captured chunks below this are decoder noise (a
	// recorder flush with no real audio) and transcode to nothing.
	minChunkBytes = 100

	// maxOpusFrameSamples bounds one decoded opus frame at 24 kHz
	// (120 ms, the largest frame the codec produces).
	maxOpusFrameSamples = 2880
)

// ChunkFormat identifies the container format of a captured chunk.
type ChunkFormat string

const (
	// FormatOpus is length-prefixed opus packets, the preferred
	// compressed capture container.
	FormatOpus ChunkFormat = "opus"
	// FormatPCM16 is raw little-endian signed 16-bit mono PCM.
	FormatPCM16 ChunkFormat = "pcm_s16le"
	// FormatPCMF32 is raw little-endian 32-bit float mono PCM.
	FormatPCMF32 ChunkFormat = "pcm_f32le"
	// FormatUnspecified marks a chunk whose container could not be
	// negotiated; it is treated as raw PCM16.
	FormatUnspecified ChunkFormat = ""
)

// CapturedChunk is one bounded unit of captured audio. Chunks are
// ephemeral: produced on a fixed cadence, transcoded once, discarded.
type CapturedChunk struct {
	Format ChunkFormat
	Data   []byte
}

// Codec converts captured chunks to the wire format and wire chunks back to
// playable buffers. It holds no cross-chunk state: every chunk transcodes
// independently of its neighbors, and per-chunk failures yield empty output
// so the caller can keep streaming.
type Codec struct {
	logger *zap.Logger
}

// NewCodec returns a Codec. A nil logger disables logging.
func NewCodec(logger *zap.Logger) *Codec {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Codec{logger: logger}
}

// Encode converts one captured chunk into a base64 PCM16LE wire chunk.
// Chunks below the minimal byte threshold, and chunks that fail to decode,
// produce an empty result rather than an error.
func (c *Codec) Encode(chunk CapturedChunk) string {
	if len(chunk.Data) < minChunkBytes {
		return ""
	}

	var pcm []byte
	switch chunk.Format {
	case FormatOpus:
		samples, err := decodeOpusChunk(chunk.Data)
		if err != nil {
			c.logger.Warn("opus chunk decode failed, dropping chunk", zap.Error(err))
			return ""
		}
		pcm = pcm16ToBytes(samples)
	case FormatPCMF32:
		pcm = pcm16ToBytes(floatBytesToPCM16(chunk.Data))
	case FormatPCM16, FormatUnspecified:
		// Trim a trailing odd byte rather than emitting a torn sample.
		pcm = chunk.Data[:len(chunk.Data)&^1]
	default:
		c.logger.Warn("unrecognized chunk format, dropping chunk",
			zap.String("format", string(chunk.Format)))
		return ""
	}
	if len(pcm) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(pcm)
}

// Decode converts one base64 wire chunk into a playable mono float buffer
// in [-1, 1]. Failures are per-chunk and non-fatal: they log and yield an
// empty buffer.
func (c *Codec) Decode(wire string) []float32 {
	if wire == "" {
		return nil
	}
	pcm, err := base64.StdEncoding.DecodeString(wire)
	if err != nil {
		c.logger.Warn("wire chunk base64 decode failed, dropping chunk", zap.Error(err))
		return nil
	}
	if len(pcm) < 2 {
		return nil
	}
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		samples[i] = pcm16ToFloat(s)
	}
	return samples
}

// floatToPCM16 clamps to [-1, 1] and scales asymmetrically: negative
// samples by 0x8000 and non-negative by 0x7fff, so full-scale input maps
// exactly onto the int16 range without clipping bias. Do not collapse the
// two divisors into one.
func floatToPCM16(sample float32) int16 {
	if sample < -1 {
		sample = -1
	}
	if sample > 1 {
		sample = 1
	}
	if sample < 0 {
		return int16(sample * 0x8000)
	}
	return int16(sample * 0x7fff)
}

// pcm16ToFloat is the inverse transform, with the same asymmetric pair.
func pcm16ToFloat(s int16) float32 {
	if s < 0 {
		return float32(s) / 0x8000
	}
	return float32(s) / 0x7fff
}

func floatBytesToPCM16(data []byte) []int16 {
	out := make([]int16, len(data)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		out[i] = floatToPCM16(math.Float32frombits(bits))
	}
	return out
}

func pcm16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// decodeOpusChunk decompresses an opus capture chunk: a sequence of opus
// packets, each preceded by a big-endian uint16 length. A fresh decoder is
// used per chunk so chunks stay independent of their neighbors.
func decodeOpusChunk(data []byte) ([]int16, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, err
	}
	var samples []int16
	frame := make([]int16, maxOpusFrameSamples)
	for packet := range iterOpusPackets(data) {
		n, err := dec.Decode(packet, frame)
		if err != nil {
			return nil, err
		}
		samples = append(samples, frame[:n]...)
	}
	return samples, nil
}

// appendOpusPacket adds one length-prefixed packet to an opus chunk.
func appendOpusPacket(chunk, packet []byte) []byte {
	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(packet)))
	chunk = append(chunk, prefix[:]...)
	return append(chunk, packet...)
}

// iterOpusPackets yields the packets of a length-prefixed opus chunk.
// Truncated trailing data is ignored.
func iterOpusPackets(data []byte) func(yield func([]byte) bool) {
	return func(yield func([]byte) bool) {
		for len(data) >= 2 {
			n := int(binary.BigEndian.Uint16(data))
			data = data[2:]
			if n == 0 || n > len(data) {
				return
			}
			if !yield(data[:n]) {
				return
			}
			data = data[n:]
		}
	}
}
