// Package queue implements the durable, priority-ordered job queue on top of
// Valkey. Job records, the queue itself and the status indices all live in
// the store; the package owns every mutation of a job record so that illegal
// state transitions are rejected in one place.
package queue

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// legalTransitions is the job state machine. A transition not listed here is
// rejected by UpdateStatus.
var legalTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

func transitionAllowed(from, to Status) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Type identifies a media operation.
type Type string

const (
	TypeGetMetadata   Type = "get_metadata"
	TypeCaptureFrame  Type = "capture_frame"
	TypeExtractAudio  Type = "extract_audio"
	TypeCutAudio      Type = "cut_audio"
	TypeConcatAudios  Type = "concat_audios"
	TypeCompressVideo Type = "compress_video"
	TypeConvertMP4    Type = "convert_mp4"
)

// Priority bands. Lower runs first.
const (
	PriorityHigh   = 10  // light operations (metadata, frame capture)
	PriorityNormal = 50  // medium operations (extract, cut, concat)
	PriorityLow    = 100 // heavy operations (compress, convert)
)

// typeInfo fixes the output extension and default priority per job type.
var typeInfo = map[Type]struct {
	outputExt string
	priority  int
}{
	TypeGetMetadata:   {"json", PriorityHigh},
	TypeCaptureFrame:  {"webp", PriorityHigh},
	TypeExtractAudio:  {"mp3", PriorityNormal},
	TypeCutAudio:      {"mp3", PriorityNormal},
	TypeConcatAudios:  {"mp3", PriorityNormal},
	TypeCompressVideo: {"mp4", PriorityLow},
	TypeConvertMP4:    {"mp4", PriorityLow},
}

// KnownType reports whether t is a supported job type.
func KnownType(t Type) bool {
	_, ok := typeInfo[t]
	return ok
}

// Types returns all supported job types.
func Types() []Type {
	out := make([]Type, 0, len(typeInfo))
	for t := range typeInfo {
		out = append(out, t)
	}
	return out
}

// OutputExt returns the output file extension (without dot) for a job type.
func OutputExt(t Type) string {
	if info, ok := typeInfo[t]; ok {
		return info.outputExt
	}
	return "bin"
}

// DefaultPriority returns the priority band for a job type.
func DefaultPriority(t Type) int {
	if info, ok := typeInfo[t]; ok {
		return info.priority
	}
	return PriorityNormal
}

// PriorityName maps a priority band to its wire name.
func PriorityName(priority int) string {
	switch priority {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("%d", priority)
	}
}

// Metadata bundles the job's descriptive fields and operation parameters.
type Metadata struct {
	OriginalFilename string         `json:"original_filename"`
	FileSizeMB       float64        `json:"file_size_mb"`
	Parameters       map[string]any `json:"parameters"`
}

// Job is the persisted job record.
//
// Nullable fields use pointers so the JSON representation distinguishes
// "absent" from zero, matching the wire contract polled by clients.
type Job struct {
	ID          string   `json:"id"`
	Status      Status   `json:"status"`
	Type        Type     `json:"type"`
	Priority    int      `json:"priority"`
	CreatedAt   string   `json:"created_at"`
	StartedAt   *string  `json:"started_at"`
	CompletedAt *string  `json:"completed_at"`
	Progress    int      `json:"progress"`
	InputFile   string   `json:"input_file"`
	UploadID    string   `json:"upload_id,omitempty"`
	OutputFile  *string  `json:"output_file"`
	ResultURL   *string  `json:"result_url"`
	Error       *string  `json:"error"`
	Metadata    Metadata `json:"metadata"`

	// QueuePosition is attached transiently by ListPending; it is not part
	// of the stored record.
	QueuePosition int `json:"queue_position,omitempty"`
}

// timestamp formats a moment as the record timestamp format (RFC 3339 UTC).
func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTimestamp is the inverse of timestamp.
func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
