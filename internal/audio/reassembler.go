package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// SampleFormat identifies the encoding of raw PCM bytes delivered by a vendor
type SampleFormat uint8

const (
	// FormatInt16 is signed 16-bit little-endian PCM
	FormatInt16 SampleFormat = iota
	// FormatFloat32 is IEEE-754 32-bit little-endian PCM in the range [-1, 1]
	FormatFloat32
)

// String returns the config name of the format
func (f SampleFormat) String() string {
	switch f {
	case FormatInt16:
		return "int16"
	case FormatFloat32:
		return "float32"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(f))
	}
}

// SampleSize returns the number of bytes per sample
func (f SampleFormat) SampleSize() int {
	if f == FormatFloat32 {
		return 4
	}
	return 2
}

// ParseSampleFormat maps a config value to a SampleFormat
func ParseSampleFormat(name string) (SampleFormat, error) {
	switch name {
	case "int16", "s16le", "pcm", "":
		return FormatInt16, nil
	case "float32", "f32le":
		return FormatFloat32, nil
	default:
		return 0, fmt.Errorf("unsupported sample format '%s'", name)
	}
}

// Chunk is a slice of PCM audio tagged with its sample format
type Chunk struct {
	Data   []byte
	Format SampleFormat
}

// Len returns the chunk length in bytes
func (c Chunk) Len() int {
	return len(c.Data)
}

// Convert realigns a float32 stream to 4-byte sample boundaries and converts
// every complete sample to int16. The bytes that do not form a whole sample
// are returned as the new residual and must be passed to the next call.
func Convert(residual, chunk []byte) (out, newResidual []byte) {
	combined := make([]byte, 0, len(residual)+len(chunk))
	combined = append(combined, residual...)
	combined = append(combined, chunk...)

	validLength := len(combined) - len(combined)%4
	if validLength < len(combined) {
		newResidual = append([]byte(nil), combined[validLength:]...)
	}

	return Float32ToInt16(combined[:validLength]), newResidual
}

// Float32ToInt16 converts little-endian float32 samples to little-endian int16.
// len(data) must be a multiple of 4; any trailing partial sample is ignored.
func Float32ToInt16(data []byte) []byte {
	numSamples := len(data) / 4
	out := make([]byte, numSamples*2)

	for i := 0; i < numSamples; i++ {
		f := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(clampInt16(float64(f)*32768)))
	}

	return out
}

func clampInt16(v float64) int16 {
	// NaN has no meaningful sample value; treat it as silence
	if math.IsNaN(v) {
		return 0
	}
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Reassembler carries the residual of one audio stream between chunk arrivals.
// It is not safe for concurrent use; one session owns one Reassembler.
type Reassembler struct {
	format   SampleFormat
	residual []byte

	bytesIn  uint64
	bytesOut uint64
}

// NewReassembler creates a reassembler for vendor audio in the given format
func NewReassembler(format SampleFormat) *Reassembler {
	return &Reassembler{format: format}
}

// Push consumes one vendor chunk and returns int16 PCM ready for delivery.
// The returned slice may be empty when the chunk only extends the residual.
func (r *Reassembler) Push(chunk []byte) Chunk {
	r.bytesIn += uint64(len(chunk))

	var out []byte
	switch r.format {
	case FormatFloat32:
		out, r.residual = Convert(r.residual, chunk)
	default:
		out, r.residual = align(r.residual, chunk, 2)
	}

	r.bytesOut += uint64(len(out))
	return Chunk{Data: out, Format: FormatInt16}
}

// Residual returns the number of bytes held back for the next chunk
func (r *Reassembler) Residual() int {
	return len(r.residual)
}

// Reset discards the residual and returns how many bytes were dropped
func (r *Reassembler) Reset() int {
	dropped := len(r.residual)
	r.residual = nil
	return dropped
}

// Stats returns the byte counters since creation
func (r *Reassembler) Stats() (in, out uint64) {
	return r.bytesIn, r.bytesOut
}

// align splits residual+chunk at the last whole sample of the given size
func align(residual, chunk []byte, size int) (out, newResidual []byte) {
	if len(residual) == 0 && len(chunk)%size == 0 {
		return chunk, nil
	}

	combined := make([]byte, 0, len(residual)+len(chunk))
	combined = append(combined, residual...)
	combined = append(combined, chunk...)

	validLength := len(combined) - len(combined)%size
	if validLength < len(combined) {
		newResidual = append([]byte(nil), combined[validLength:]...)
	}
	return combined[:validLength], newResidual
}
