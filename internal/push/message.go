package push

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/MimeLyc/vidgen-client/internal/jobs"
)

// Message is one job update frame from the push channel.
type Message struct {
	JobID    string
	Status   *string
	Progress *float64
	Error    *string
	VideoURL *string
}

// frame keeps the optional fields raw so a wrong-typed one can be dropped on
// its own.
type frame struct {
	JobID    string          `json:"job_id"`
	Status   json.RawMessage `json:"status"`
	Progress json.RawMessage `json:"progress"`
	Error    json.RawMessage `json:"error"`
	VideoURL json.RawMessage `json:"video_url"`
}

// ParseMessage decodes a frame. It returns false for anything that is not a
// JSON object with a string job_id, including the "pong" keepalive reply.
// Optional fields of the wrong type are ignored.
func ParseMessage(data []byte) (Message, bool) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Message{}, false
	}
	msg := Message{JobID: strings.TrimSpace(f.JobID)}
	if msg.JobID == "" {
		return Message{}, false
	}
	msg.Status = decodeField[string](f.Status)
	msg.Progress = decodeField[float64](f.Progress)
	msg.Error = decodeField[string](f.Error)
	msg.VideoURL = decodeField[string](f.VideoURL)
	return msg, true
}

// decodeField returns nil for an absent, null or mistyped value.
func decodeField[T any](raw json.RawMessage) *T {
	if len(raw) == 0 {
		return nil
	}
	var v *T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// Patch merges the message fields into a single store update. An error forces
// failed; a video URL forces completed at 100 and is applied last.
func (m Message) Patch(observedAt time.Time) jobs.Patch {
	patch := jobs.Patch{ObservedAt: observedAt}

	if m.Status != nil {
		if status := jobs.Status(*m.Status); status.Valid() {
			patch = patch.WithStatus(status)
		}
	}
	if m.Progress != nil && !math.IsNaN(*m.Progress) {
		patch = patch.WithProgress(clampProgress(*m.Progress))
	}
	if m.Error != nil && *m.Error != "" {
		patch = patch.WithErrorMessage(*m.Error).WithStatus(jobs.StatusFailed)
	}
	if m.VideoURL != nil && *m.VideoURL != "" {
		patch = patch.WithOutputVideoURL(*m.VideoURL).
			WithStatus(jobs.StatusCompleted).
			WithProgress(100)
	}
	return patch
}

func clampProgress(v float64) int {
	p := int(math.Round(v))
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
