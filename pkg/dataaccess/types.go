// Package dataaccess exposes narrowly-typed CRUD operations for every
// entity in the data model, each returning Go structs decoupled from the
// storage row shape, with reads/writes funneled through pkg/store.
package dataaccess

import "time"

// MemoryType classifies a Memory's payload shape.
type MemoryType string

const (
	TypeWeb       MemoryType = "web"
	TypeNote      MemoryType = "note"
	TypeVoiceMemo MemoryType = "voice_memo"
	TypeAudio     MemoryType = "audio"
	TypeVideo     MemoryType = "video"
	TypeDocument  MemoryType = "document"
)

// TranscriptionStatus tracks audio transcription progress.
type TranscriptionStatus string

const (
	TranscriptionPending    TranscriptionStatus = "pending"
	TranscriptionProcessing TranscriptionStatus = "processing"
	TranscriptionCompleted  TranscriptionStatus = "completed"
	TranscriptionFailed     TranscriptionStatus = "failed"
)

// VideoProcessingStatus tracks video audio/thumbnail extraction progress.
type VideoProcessingStatus string

const (
	VideoPendingExtraction VideoProcessingStatus = "pending_extraction"
	VideoExtracting        VideoProcessingStatus = "extracting"
	VideoReady             VideoProcessingStatus = "ready"
	VideoFailed            VideoProcessingStatus = "failed"
)

// MediaSource records how an audio/video memory's bytes arrived.
type MediaSource string

const (
	MediaRecording MediaSource = "recording"
	MediaUpload    MediaSource = "upload"
)

// TranscriptSegment is one timestamped span of a transcript.
type TranscriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// VoiceFields groups audio-memory-only columns (also embedded by video
// memories once their extracted audio track is transcribed).
type VoiceFields struct {
	AudioPath           *string              `json:"audio_path,omitempty"`
	AudioFormat         *string              `json:"audio_format,omitempty"`
	AudioDuration        *float64             `json:"audio_duration,omitempty"`
	Transcript          *string              `json:"transcript,omitempty"`
	TranscriptionStatus *TranscriptionStatus `json:"transcription_status,omitempty"`
	TranscriptSegments  []TranscriptSegment  `json:"transcript_segments,omitempty"`
	MediaSource         *MediaSource         `json:"media_source,omitempty"`
}

// VideoFields groups video-only columns.
type VideoFields struct {
	VideoPath              *string                `json:"video_path,omitempty"`
	VideoFormat            *string                `json:"video_format,omitempty"`
	VideoDuration          *float64               `json:"video_duration,omitempty"`
	VideoWidth             *int                   `json:"video_width,omitempty"`
	VideoHeight            *int                   `json:"video_height,omitempty"`
	ThumbnailPath          *string                `json:"thumbnail_path,omitempty"`
	VideoProcessingStatus  *VideoProcessingStatus `json:"video_processing_status,omitempty"`
}

// DocumentFields groups document-only columns.
type DocumentFields struct {
	DocumentPath      *string `json:"document_path,omitempty"`
	DocumentFormat    *string `json:"document_format,omitempty"`
	DocumentPageCount *int    `json:"document_page_count,omitempty"`
	ThumbnailPath     *string `json:"thumbnail_path,omitempty"`
}

// Memory is the universal content entity. Payload groups are nil when not
// applicable to Type, keeping the flat-column storage shape out of the
// domain API without resorting to a dynamic map.
type Memory struct {
	ID                 int64
	Type               MemoryType
	URL                *string
	Title              *string
	OriginalTitle      *string
	Content            *string
	Summary            *string
	EmbeddingSummary   *string
	Embedding          []float32
	EmbeddingModel     *string
	ProcessingAttempts int
	CreatedAt          time.Time

	Voice    *VoiceFields
	Video    *VideoFields
	Document *DocumentFields

	Tags []Tag
}

// Tag is a deduplicated, lowercased label.
type Tag struct {
	ID         int64
	Name       string
	UsageCount int
}

// TagSource records whether a memory/tag association was user- or
// AI-assigned.
type TagSource string

const (
	TagSourceManual TagSource = "manual"
	TagSourceAI     TagSource = "ai"
)

// LinkType distinguishes user-authored from AI-suggested connections.
type LinkType string

const (
	LinkManual LinkType = "manual"
	LinkAuto   LinkType = "auto"
)

// MemoryLink is one directed row of a bidirectional connection between two
// memories; DataAccess always writes/reads both directions together.
type MemoryLink struct {
	ID              int64
	SourceMemoryID  int64
	TargetMemoryID  int64
	LinkType        LinkType
	RelevanceScore  *float64
	CreatedAt       time.Time
}

// Conversation groups a sequence of Messages.
type Conversation struct {
	ID              int64
	Title           string
	Pinned          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastMessagePreview string
	Messages        []Message
}

// Role distinguishes the two message speakers.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Usage carries token accounting for an assistant reply.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Message is one turn of a Conversation.
type Message struct {
	ID             int64
	ConversationID int64
	Role           Role
	Content        string
	CreatedAt      time.Time
	Usage          *Usage
	Sources        []MessageSource
}

// MessageSource records one memory cited as a retrieved source for an
// assistant Message, snapshotting enough of the memory to render a
// citation without a second fetch.
type MessageSource struct {
	ID             int64
	MessageID      int64
	MemoryID       int64
	RelevanceScore *float64

	MemoryTitle *string
	MemoryType  MemoryType
	MemoryURL   *string
}

// JobStatus is one of a Job's lifecycle states.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is a durable, pollable unit of background work (e.g. a reembed pass).
type Job struct {
	ID          string
	Type        string
	Status      JobStatus
	Params      string
	Result      string
	Error       string
	Progress    int
	Processed   int
	Failed      int
	Total       int
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// DateFilter narrows Memory.List results to a relative window.
type DateFilter string

const (
	DateToday DateFilter = "today"
	DateWeek  DateFilter = "week"
	DateMonth DateFilter = "month"
)

// ProcessingCounts summarizes how many memories still need enrichment
// passes against the current embedding model.
type ProcessingCounts struct {
	NeedSummary   int
	NeedEmbedding int
	Total         int
}
