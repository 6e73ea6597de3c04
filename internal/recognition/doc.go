// Package recognition turns raw vendor recognition messages into incremental
// results with stream-relative timing and final/partial classification.
package recognition
