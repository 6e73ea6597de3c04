// Package audio handles sample realignment and format conversion for streamed PCM.
// It converts float32 vendor audio to int16 across arbitrary chunk boundaries,
// keeps int16 streams aligned to whole samples, and writes WAV files.
package audio
