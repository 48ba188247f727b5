package history

import (
	"strings"
	"time"

	"github.com/abadojack/whatlanggo"

	"github.com/MimeLyc/vidgen-client/internal/jobs"
)

// Entry is a finished job kept for browsing after it left the queue.
type Entry struct {
	JobID          string
	Type           jobs.Type
	Provider       string
	Status         jobs.Status
	Prompt         string
	PromptLang     string
	StylePreset    string
	OutputVideoURL string
	ThumbnailURL   string
	ErrorMessage   string
	CreatedAt      time.Time
	FinishedAt     time.Time
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Type   jobs.Type
	Status jobs.Status
	Lang   string
	Limit  int
}

// NewEntry builds the history entry of a finished job.
func NewEntry(job jobs.Job, finishedAt time.Time) Entry {
	return Entry{
		JobID:          job.ID,
		Type:           job.Type,
		Provider:       job.Provider,
		Status:         job.Status,
		Prompt:         job.Prompt,
		PromptLang:     DetectLanguage(job.Prompt),
		StylePreset:    job.StylePreset,
		OutputVideoURL: job.OutputVideoURL,
		ThumbnailURL:   job.ThumbnailURL,
		ErrorMessage:   job.ErrorMessage,
		CreatedAt:      job.CreatedAt,
		FinishedAt:     finishedAt,
	}
}

// promptLanguages are the prompt languages the generation providers accept.
// Latin script text is always English among them.
var promptLanguages = whatlanggo.Options{
	Whitelist: map[whatlanggo.Lang]bool{
		whatlanggo.Eng: true,
		whatlanggo.Cmn: true,
		whatlanggo.Jpn: true,
		whatlanggo.Kor: true,
	},
}

// DetectLanguage returns the ISO 639-1 code of the prompt language, or "" if
// it is not one of promptLanguages.
func DetectLanguage(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	info := whatlanggo.DetectWithOptions(text, promptLanguages)
	if !promptLanguages.Whitelist[info.Lang] {
		return ""
	}
	return info.Lang.Iso6391()
}
