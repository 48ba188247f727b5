package push

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/vidgen-client/internal/jobs"
)

func TestParseMessage_Discards(t *testing.T) {
	for name, frame := range map[string]string{
		"pong":       "pong",
		"empty":      "",
		"array":      `[1,2]`,
		"null":       `null`,
		"no job id":  `{"status":"completed"}`,
		"blank id":   `{"job_id":"  "}`,
		"numeric id": `{"job_id":42}`,
		"truncated":  `{"job_id":"j1",`,
	} {
		t.Run(name, func(t *testing.T) {
			_, ok := ParseMessage([]byte(frame))
			assert.False(t, ok)
		})
	}
}

func TestMessagePatch(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		frame    string
		status   *jobs.Status
		progress *int
		output   *string
		errMsg   *string
	}{
		{
			name:     "status and progress",
			frame:    `{"job_id":"j1","status":"processing","progress":10}`,
			status:   ptr(jobs.StatusProcessing),
			progress: ptr(10),
		},
		{
			name:     "video url forces completion",
			frame:    `{"job_id":"j1","status":"processing","progress":20,"video_url":"https://x/v.mp4"}`,
			status:   ptr(jobs.StatusCompleted),
			progress: ptr(100),
			output:   ptr("https://x/v.mp4"),
		},
		{
			name:   "error wins over status",
			frame:  `{"job_id":"j1","status":"processing","error":"provider timeout"}`,
			status: ptr(jobs.StatusFailed),
			errMsg: ptr("provider timeout"),
		},
		{
			name:     "fractional progress is rounded and clamped",
			frame:    `{"job_id":"j1","progress":140.6}`,
			progress: ptr(100),
		},
		{
			name:   "mistyped progress keeps the error",
			frame:  `{"job_id":"j1","status":"processing","progress":"40","error":"boom"}`,
			status: ptr(jobs.StatusFailed),
			errMsg: ptr("boom"),
		},
		{
			name:     "mistyped status keeps the video url",
			frame:    `{"job_id":"j1","status":7,"video_url":"https://x/v.mp4"}`,
			status:   ptr(jobs.StatusCompleted),
			progress: ptr(100),
			output:   ptr("https://x/v.mp4"),
		},
		{
			name:     "null fields are absent",
			frame:    `{"job_id":"j1","status":null,"progress":55,"error":null}`,
			progress: ptr(55),
		},
		{
			name:  "unknown status is ignored",
			frame: `{"job_id":"j1","status":"paused"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := ParseMessage([]byte(tt.frame))
			require.True(t, ok)
			assert.Equal(t, "j1", msg.JobID)

			patch := msg.Patch(at)
			assert.Equal(t, at, patch.ObservedAt)
			assert.Equal(t, tt.status, patch.Status)
			assert.Equal(t, tt.progress, patch.Progress)
			assert.Equal(t, tt.output, patch.OutputVideoURL)
			assert.Equal(t, tt.errMsg, patch.ErrorMessage)
		})
	}
}

func ptr[T any](v T) *T {
	return &v
}
