package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func float32Bytes(samples ...float32) []byte {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return buf
}

func int16Samples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

func TestConvertSplitChunks(t *testing.T) {
	input := float32Bytes(1.0, -1.0, 0.5)

	out1, residual := Convert(nil, input[:5])
	if len(residual) != 1 {
		t.Fatalf("Expected residual of 1 byte after first chunk, got %d", len(residual))
	}

	out2, residual := Convert(residual, input[5:])
	if len(residual) != 0 {
		t.Fatalf("Expected empty residual after second chunk, got %d", len(residual))
	}

	got := int16Samples(append(out1, out2...))
	want := []int16{32767, -32768, 16384}
	if len(got) != len(want) {
		t.Fatalf("Expected %d samples, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestConvertChunkingEquivalence(t *testing.T) {
	samples := make([]float32, 257)
	for i := range samples {
		samples[i] = float32(math.Sin(float64(i) / 7))
	}
	input := float32Bytes(samples...)
	whole, _ := Convert(nil, input)

	splits := [][]int{
		{1, 1, 1, 1},
		{3, 5, 7, 11, 13},
		{4, 4, 4},
		{1023},
		{2, 6, 9},
	}

	for _, sizes := range splits {
		var residual, joined []byte
		pos := 0
		for i := 0; pos < len(input); i++ {
			n := sizes[i%len(sizes)]
			if pos+n > len(input) {
				n = len(input) - pos
			}
			var out []byte
			out, residual = Convert(residual, input[pos:pos+n])
			if len(out)%2 != 0 {
				t.Fatalf("Output length %d is not a multiple of 2", len(out))
			}
			if len(residual) > 3 {
				t.Fatalf("Residual length %d exceeds 3 bytes", len(residual))
			}
			joined = append(joined, out...)
			pos += n
		}

		if !bytes.Equal(joined, whole) {
			t.Errorf("Chunk sizes %v: reassembled output differs from whole-buffer conversion", sizes)
		}
	}
}

func TestFloat32ToInt16Clamping(t *testing.T) {
	tests := []struct {
		name  string
		input float32
		want  int16
	}{
		{"full scale positive", 1.0, 32767},
		{"over range positive", 2.5, 32767},
		{"full scale negative", -1.0, -32768},
		{"over range negative", -3.0, -32768},
		{"zero", 0, 0},
		{"half", 0.5, 16384},
		{"negative quarter", -0.25, -8192},
		{"nan", float32(math.NaN()), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := int16Samples(Float32ToInt16(float32Bytes(tt.input)))
			if got[0] != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, got[0])
			}
		})
	}
}

func TestReassemblerFloat32(t *testing.T) {
	r := NewReassembler(FormatFloat32)
	input := float32Bytes(0.5, -0.5)

	chunk := r.Push(input[:3])
	if chunk.Len() != 0 {
		t.Errorf("Expected empty chunk, got %d bytes", chunk.Len())
	}
	if r.Residual() != 3 {
		t.Errorf("Expected residual 3, got %d", r.Residual())
	}

	chunk = r.Push(input[3:])
	if chunk.Format != FormatInt16 {
		t.Errorf("Expected int16 output, got %s", chunk.Format)
	}
	got := int16Samples(chunk.Data)
	if len(got) != 2 || got[0] != 16384 || got[1] != -16384 {
		t.Errorf("Unexpected samples %v", got)
	}

	in, out := r.Stats()
	if in != 8 || out != 4 {
		t.Errorf("Expected stats in=8 out=4, got in=%d out=%d", in, out)
	}
}

func TestReassemblerInt16Alignment(t *testing.T) {
	r := NewReassembler(FormatInt16)

	chunk := r.Push([]byte{0x01, 0x02, 0x03})
	if chunk.Len() != 2 {
		t.Errorf("Expected 2 bytes, got %d", chunk.Len())
	}
	if r.Residual() != 1 {
		t.Errorf("Expected residual 1, got %d", r.Residual())
	}

	chunk = r.Push([]byte{0x04, 0x05, 0x06})
	if !bytes.Equal(chunk.Data, []byte{0x03, 0x04, 0x05, 0x06}) {
		t.Errorf("Unexpected data %v", chunk.Data)
	}
	if r.Residual() != 0 {
		t.Errorf("Expected empty residual, got %d", r.Residual())
	}
}

func TestReassemblerReset(t *testing.T) {
	r := NewReassembler(FormatFloat32)
	r.Push([]byte{1, 2, 3, 4, 5, 6})

	if dropped := r.Reset(); dropped != 2 {
		t.Errorf("Expected 2 dropped bytes, got %d", dropped)
	}
	if r.Residual() != 0 {
		t.Errorf("Expected empty residual after reset, got %d", r.Residual())
	}
}

func TestParseSampleFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    SampleFormat
		wantErr bool
	}{
		{"int16", FormatInt16, false},
		{"", FormatInt16, false},
		{"pcm", FormatInt16, false},
		{"float32", FormatFloat32, false},
		{"f32le", FormatFloat32, false},
		{"mp3", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseSampleFormat(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseSampleFormat(%q): expected error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSampleFormat(%q): unexpected error %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("ParseSampleFormat(%q): expected %s, got %s", tt.input, tt.want, got)
		}
	}
}
