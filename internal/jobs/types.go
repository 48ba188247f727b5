package jobs

import "time"

type Type string

const (
	TypeImageToVideo Type = "img2vid"
	TypeTextToVideo  Type = "txt2vid"
	TypeVideoToAnime Type = "vid2anime"
	TypeStory        Type = "story"
)

func (t Type) Label() string {
	switch t {
	case TypeImageToVideo:
		return "Img2Vid"
	case TypeTextToVideo:
		return "Txt2Vid"
	case TypeVideoToAnime:
		return "Vid2Anime"
	case TypeStory:
		return "Story"
	default:
		return string(t)
	}
}

type Status string

const (
	StatusQueued     Status = "queued"
	StatusSubmitted  Status = "submitted"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusSubmitted, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Active reports whether the server is still working on the job.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusSubmitted || s == StatusProcessing
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Label() string {
	switch s {
	case StatusQueued:
		return "Queued"
	case StatusSubmitted:
		return "Submitted"
	case StatusProcessing:
		return "Processing"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	default:
		return string(s)
	}
}

// Job mirrors the server's job detail. Optional fields are empty strings when absent.
type Job struct {
	ID             string    `json:"id"`
	Type           Type      `json:"job_type"`
	Provider       string    `json:"provider"`
	Status         Status    `json:"status"`
	Prompt         string    `json:"prompt"`
	StylePreset    string    `json:"style_preset"`
	InputFileURL   string    `json:"input_file_url,omitempty"`
	OutputVideoURL string    `json:"output_video_url,omitempty"`
	ThumbnailURL   string    `json:"thumbnail_url,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	Progress       int       `json:"progress"`
	CreatedAt      time.Time `json:"created_at"`
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Status         *Status
	Progress       *int
	OutputVideoURL *string
	ThumbnailURL   *string
	ErrorMessage   *string

	// ObservedAt is when the source saw this state. Only consulted when the
	// store runs with an ordering guard.
	ObservedAt time.Time
}

func (p Patch) Empty() bool {
	return p.Status == nil && p.Progress == nil && p.OutputVideoURL == nil &&
		p.ThumbnailURL == nil && p.ErrorMessage == nil
}

func (p Patch) WithStatus(s Status) Patch {
	p.Status = &s
	return p
}

func (p Patch) WithProgress(v int) Patch {
	p.Progress = &v
	return p
}

func (p Patch) WithOutputVideoURL(u string) Patch {
	p.OutputVideoURL = &u
	return p
}

func (p Patch) WithThumbnailURL(u string) Patch {
	p.ThumbnailURL = &u
	return p
}

func (p Patch) WithErrorMessage(msg string) Patch {
	p.ErrorMessage = &msg
	return p
}

type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeUpdated ChangeKind = "updated"
	ChangeRemoved ChangeKind = "removed"
	ChangeReset   ChangeKind = "reset"
	ChangeActive  ChangeKind = "active"
)

// Change describes one store mutation. Version grows by one per mutation.
type Change struct {
	Kind    ChangeKind
	JobID   string
	Version uint64
}

type Listener func(Change)
