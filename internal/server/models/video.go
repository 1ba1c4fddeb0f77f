// Package models defines server-side data models persisted in the database.
package models

import "time"

// VideoStatus is the lifecycle state of a video.
//
// Valid transitions:
//
//	UPLOADED -> QUEUED -> PROCESSING -> PROCESSED
//	any non-PROCESSED state -> FAILED
type VideoStatus string

const (
	StatusUploaded   VideoStatus = "UPLOADED"
	StatusQueued     VideoStatus = "QUEUED"
	StatusProcessing VideoStatus = "PROCESSING"
	StatusProcessed  VideoStatus = "PROCESSED"
	StatusFailed     VideoStatus = "FAILED"
)

// ParseVideoStatus validates a status string coming from an external caller.
func ParseVideoStatus(s string) (VideoStatus, bool) {
	switch VideoStatus(s) {
	case StatusUploaded, StatusQueued, StatusProcessing, StatusProcessed, StatusFailed:
		return VideoStatus(s), true
	}
	return "", false
}

// Video is the aggregate root tracked by the service. The binary content
// itself lives in object storage; this record coordinates its lifecycle.
type Video struct {
	// ID is an opaque identifier assigned at creation, immutable.
	ID string
	// Title and Description are optional client-supplied metadata.
	Title       string
	Description string

	// FileName and ContentType record the provenance of the uploaded asset.
	FileName    string
	ContentType string

	// StorageKey is the current authoritative object-storage path: the raw
	// upload key before processing, a processed-content base path after.
	StorageKey string

	Status VideoStatus

	UploadedAt  time.Time
	ProcessedAt *time.Time

	// Variants is empty until the video is PROCESSED, then holds the
	// transcoded renditions in the order the worker reported them. They are
	// replaced wholesale on reprocessing, never merged.
	Variants []VideoVariant
}

// VideoVariant is one transcoded rendition of a video.
type VideoVariant struct {
	// Quality is a label such as "1080p" or "720p".
	Quality string
	// StorageKey is the object-storage key of the rendition.
	StorageKey string
	// URL is the public content URL derived from StorageKey.
	URL string
	ContentType string
}
