package httpapi

import (
	"strings"
	"time"

	"github.com/MimeLyc/vidgen-client/internal/jobs"
)

type stage struct {
	status   jobs.Status
	progress int
}

var lifecycle = []stage{
	{jobs.StatusSubmitted, 5},
	{jobs.StatusProcessing, 10},
	{jobs.StatusProcessing, 40},
	{jobs.StatusProcessing, 70},
	{jobs.StatusCompleted, 100},
}

// simulate walks job id through the lifecycle, publishing every stage. A
// prompt containing "fail" ends in a provider failure instead.
func (s *Server) simulate(id string) {
	if s.step <= 0 {
		return
	}
	s.mu.Lock()
	select {
	case <-s.stop:
		s.mu.Unlock()
		return
	default:
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.step)
		defer ticker.Stop()

		for _, next := range lifecycle {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
			}

			job, ok := s.Job(id)
			if !ok || job.Status.Terminal() {
				return
			}
			if next.status == jobs.StatusCompleted && strings.Contains(strings.ToLower(job.Prompt), "fail") {
				s.advance(id, jobs.Patch{}.WithStatus(jobs.StatusFailed).WithErrorMessage("provider timeout"),
					map[string]any{"job_id": id, "status": "failed", "progress": job.Progress, "error": "provider timeout"})
				return
			}
			if next.status == jobs.StatusCompleted {
				videoURL := s.publicURL + "/videos/" + id + ".mp4"
				s.advance(id, jobs.Patch{}.
					WithStatus(jobs.StatusCompleted).
					WithProgress(100).
					WithOutputVideoURL(videoURL).
					WithThumbnailURL(s.publicURL+"/thumbnails/"+id+".jpg"),
					map[string]any{"job_id": id, "status": "completed", "progress": 100, "video_url": videoURL})
				return
			}
			s.advance(id, jobs.Patch{}.WithStatus(next.status).WithProgress(next.progress),
				map[string]any{"job_id": id, "status": string(next.status), "progress": next.progress})
		}
	}()
}

func (s *Server) advance(id string, patch jobs.Patch, event map[string]any) {
	if !s.UpdateJob(id, patch) {
		return
	}
	if s.userID != "" {
		s.Publish(s.userID, event)
	}
}
