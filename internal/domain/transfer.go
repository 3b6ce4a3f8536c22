package domain

import (
	"time"
)

// Direction tells whether a session pulls a remote resource or pushes a local file.
type Direction string

const (
	DirectionDownload Direction = "download"
	DirectionUpload   Direction = "upload"
)

// State is the lifecycle state of a transfer session.
type State string

const (
	StateIdle        State = "idle"
	StateDownloading State = "downloading"
	StateExtracting  State = "extracting"
	StateUploading   State = "uploading"
	StateCancelling  State = "cancelling"
	StateCompleted   State = "completed"
	StateError       State = "error"
)

// Active reports whether the session is mid-flight.
func (s State) Active() bool {
	switch s {
	case StateDownloading, StateExtracting, StateUploading, StateCancelling:
		return true
	default:
		return false
	}
}

// Settled reports whether a cancel request is meaningless in this state.
func (s State) Settled() bool {
	return s == StateIdle || s == StateCompleted || s == StateError
}

// RemoteIdentity is the resume token of a remote resource.
// Size is -1 when the server did not report a length. LastModified is only
// consulted when neither side carries an ETag.
type RemoteIdentity struct {
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"last_modified,omitzero"`
}

// Matches reports whether two identities describe the same remote content.
// ETags are compared when either side has one. Without ETags, a known size
// and an equal Last-Modified date are required; size alone never matches.
func (r RemoteIdentity) Matches(other RemoteIdentity) bool {
	if r.Size != other.Size {
		return false
	}
	if r.ETag != "" || other.ETag != "" {
		return r.ETag == other.ETag
	}
	if r.Size < 0 || r.LastModified.IsZero() {
		return false
	}
	return r.LastModified.Equal(other.LastModified)
}

// ProgressSample is a raw byte count observed at a point in time.
type ProgressSample struct {
	Time  time.Time
	Bytes int64
}

// Snapshot is the throttled, derived view of a session's progress.
// Consumers must treat it as immutable.
type Snapshot struct {
	SessionID        string    `json:"session_id"`
	Percent          float64   `json:"percent"`
	TransferredBytes int64     `json:"transferred_bytes"`
	TotalBytes       int64     `json:"total_bytes"`
	BytesPerSecond   float64   `json:"bytes_per_second"`
	RemainingSeconds float64   `json:"remaining_seconds"`
	ETAKnown         bool      `json:"eta_known"`
	IsResumed        bool      `json:"is_resumed"`
	At               time.Time `json:"at"`
}

// ExtractProgress is relayed from the external extractor.
type ExtractProgress struct {
	Percent        float64 `json:"percent"`
	ExtractedCount int     `json:"extracted_count"`
	TotalCount     int     `json:"total_count"`
}

// UploadPart is one contiguous byte range of a multipart upload.
// ETag is empty until the part has been stored by the backend.
type UploadPart struct {
	PartNumber int    `json:"part_number"`
	Offset     int64  `json:"offset"`
	Size       int64  `json:"size"`
	ETag       string `json:"etag,omitempty"`
}

// SplitParts divides size bytes into contiguous parts numbered from 1.
// A zero-length file yields a single empty part.
func SplitParts(size, partSize int64) []UploadPart {
	if partSize <= 0 {
		return nil
	}
	if size <= 0 {
		return []UploadPart{{PartNumber: 1}}
	}

	n := int((size + partSize - 1) / partSize)
	parts := make([]UploadPart, n)
	for i := range parts {
		offset := int64(i) * partSize
		length := partSize
		if offset+length > size {
			length = size - offset
		}
		parts[i] = UploadPart{PartNumber: i + 1, Offset: offset, Size: length}
	}
	return parts
}
