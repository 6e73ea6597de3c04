package audio

const (
	// FrameSize is the recognition frame size in bytes: 40ms of 16kHz mono int16
	FrameSize = 1280
	// FrameDurationMs is the duration of one FrameSize frame
	FrameDurationMs = 40
)

// Framer splits an int16 byte stream into FrameSize frames, carrying the
// partial tail between writes
type Framer struct {
	buf    []byte
	frames int64
}

// Write appends data and returns every complete frame it produced, each
// tagged with its stream-relative timestamp
func (f *Framer) Write(data []byte) (frames [][]byte, timestamps []int64) {
	f.buf = append(f.buf, data...)
	for len(f.buf) >= FrameSize {
		frame := make([]byte, FrameSize)
		copy(frame, f.buf[:FrameSize])
		f.buf = f.buf[FrameSize:]

		frames = append(frames, frame)
		timestamps = append(timestamps, f.frames*FrameDurationMs)
		f.frames++
	}
	return frames, timestamps
}

// Flush returns the partial tail as a final short frame, trimmed to whole
// int16 samples. dropped counts the trailing half-sample byte, if any; a
// tail of only that byte yields no frame.
func (f *Framer) Flush() (frame []byte, timestamp int64, dropped int) {
	dropped = len(f.buf) % 2
	frame = f.buf[:len(f.buf)-dropped]
	f.buf = nil
	if len(frame) == 0 {
		return nil, 0, dropped
	}
	timestamp = f.frames * FrameDurationMs
	f.frames++
	return frame, timestamp, dropped
}
