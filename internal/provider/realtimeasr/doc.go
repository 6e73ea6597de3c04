// Package realtimeasr streams PCM frames to the vendor's real-time
// recognizer and forwards its sentence messages.
package realtimeasr
