package queueview

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/MimeLyc/vidgen-client/internal/jobs"
)

const (
	promptLimit = 60
	errorLimit  = 80
	barWidth    = 20

	emptyMessage = "No active jobs. Submit a generation to get started."
	clearScreen  = "\033[H\033[2J"
)

// View renders the job queue panel as text.
type View struct {
	store *jobs.Store
	now   func() time.Time

	// ClearScreen makes Watch repaint in place on a terminal.
	ClearScreen bool
}

func New(store *jobs.Store) *View {
	return &View{store: store, now: time.Now}
}

// Render writes the whole panel, newest job first.
func (v *View) Render(w io.Writer) error {
	list := v.store.List()
	selected, hasSelected := v.store.ActiveJob()
	now := v.now()

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Job Queue (%d)\n", len(list))
	if len(list) == 0 {
		buf.WriteString(emptyMessage + "\n")
	}
	for _, job := range list {
		buf.WriteString("\n")
		marker := " "
		if hasSelected && selected.ID == job.ID {
			marker = "*"
		}
		buf.WriteString(RenderCard(job, now, marker))
	}

	_, err := w.Write(buf.Bytes())
	return err
}

// Watch renders once and then after every store change until ctx is done.
// Bursts of changes are coalesced into one repaint.
func (v *View) Watch(ctx context.Context, w io.Writer) error {
	changed := make(chan struct{}, 1)
	unsubscribe := v.store.Subscribe(func(jobs.Change) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	for {
		if v.ClearScreen {
			if _, err := io.WriteString(w, clearScreen); err != nil {
				return err
			}
		}
		if err := v.Render(w); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		}
	}
}

// RenderCard formats one job. Missing output or error fields are left out.
func RenderCard(job jobs.Job, now time.Time, marker string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s [%s] %s  %s\n", marker, job.Status.Label(), job.Type.Label(), shortID(job.ID))
	if prompt := strings.TrimSpace(job.Prompt); prompt != "" {
		fmt.Fprintf(&b, "  %s\n", Truncate(prompt, promptLimit))
	}
	if !job.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "  %s\n", humanize.RelTime(job.CreatedAt, now, "ago", "from now"))
	}

	switch {
	case job.Status.Active():
		fmt.Fprintf(&b, "  %s %d%%\n", progressBar(job.Progress), job.Progress)
	case job.Status == jobs.StatusFailed && job.ErrorMessage != "":
		fmt.Fprintf(&b, "  ! %s\n", Truncate(job.ErrorMessage, errorLimit))
	case job.Status == jobs.StatusCompleted && job.OutputVideoURL != "":
		fmt.Fprintf(&b, "  > %s\n", job.OutputVideoURL)
	}
	return b.String()
}

// Truncate shortens s to limit runes followed by "...".
func Truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}

func progressBar(progress int) string {
	progress = max(0, min(progress, 100))
	filled := progress * barWidth / 100
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", barWidth-filled) + "]"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
