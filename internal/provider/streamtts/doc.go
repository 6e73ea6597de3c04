// Package streamtts provides an HTTP client for request/response synthesis
// vendors that stream float32 audio in the response body.
package streamtts
