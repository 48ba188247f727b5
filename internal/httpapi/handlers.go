package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/MimeLyc/vidgen-client/internal/api"
	"github.com/MimeLyc/vidgen-client/internal/jobs"
	"github.com/MimeLyc/vidgen-client/internal/upload"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type generateBody struct {
	Prompt      string `json:"prompt"`
	StylePreset string `json:"style_preset"`
	Provider    string `json:"provider"`
	FileURL     string `json:"file_url"`
	StoryID     string `json:"story_id"`
}

type jobBody struct {
	ID             string  `json:"id"`
	UserID         string  `json:"user_id,omitempty"`
	JobType        string  `json:"job_type"`
	Provider       string  `json:"provider"`
	Status         string  `json:"status"`
	Prompt         *string `json:"prompt"`
	StylePreset    *string `json:"style_preset"`
	InputFileURL   *string `json:"input_file_url"`
	OutputVideoURL *string `json:"output_video_url"`
	ThumbnailURL   *string `json:"thumbnail_url"`
	ErrorMessage   *string `json:"error_message"`
	Progress       int     `json:"progress"`
	CreatedAt      string  `json:"created_at"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	mode, err := api.ParseMode(chi.URLParam(r, "mode"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}

	var body generateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}
	if mode == api.ModeTextToVideo && strings.TrimSpace(body.Prompt) == "" {
		writeError(w, http.StatusUnprocessableEntity, "prompt is required")
		return
	}
	if (mode == api.ModeImageToVideo || mode == api.ModeVideoToAnime) && body.FileURL == "" {
		writeError(w, http.StatusUnprocessableEntity, "file_url is required")
		return
	}

	job := jobs.Job{
		ID:           uuid.NewString(),
		Type:         mode.JobType(),
		Provider:     body.Provider,
		Status:       jobs.StatusQueued,
		Prompt:       body.Prompt,
		StylePreset:  body.StylePreset,
		InputFileURL: body.FileURL,
		CreatedAt:    time.Now().UTC(),
	}
	s.PutJob(job)
	s.simulate(job.ID)

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":  job.ID,
		"status":  string(jobs.StatusQueued),
		"message": fmt.Sprintf("%s generation job queued", mode),
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := queryInt(q.Get("page"), 1)
	pageSize := queryInt(q.Get("page_size"), defaultPageSize)
	if page < 1 || pageSize < 1 || pageSize > maxPageSize {
		writeError(w, http.StatusUnprocessableEntity, "invalid pagination")
		return
	}
	status := q.Get("status")
	jobType := q.Get("job_type")

	s.mu.Lock()
	matched := make([]jobBody, 0, len(s.order))
	for _, id := range s.order {
		job := s.jobs[id]
		if status != "" && string(job.Status) != status {
			continue
		}
		if jobType != "" && string(job.Type) != jobType {
			continue
		}
		matched = append(matched, s.toBody(*job))
	}
	s.mu.Unlock()

	start := min((page-1)*pageSize, len(matched))
	end := min(start+pageSize, len(matched))
	writeJSON(w, http.StatusOK, map[string]any{
		"items":     matched[start:end],
		"total":     len(matched),
		"page":      page,
		"page_size": pageSize,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid job id")
		return
	}
	job, ok := s.Job(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	writeJSON(w, http.StatusOK, s.toBody(job))
}

// handleDeleteJob cancels a job that has not started yet and deletes any
// other.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	job, ok := s.jobs[id]
	switch {
	case !ok:
	case job.Status == jobs.StatusQueued || job.Status == jobs.StatusSubmitted:
		job.Status = jobs.StatusFailed
		job.ErrorMessage = "Cancelled by user"
	default:
		delete(s.jobs, id)
		for i, existing := range s.order {
			if existing == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, upload.MaxSize+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("File too large. Maximum size is %d MB", upload.MaxSize>>20))
			return
		}
		writeError(w, http.StatusUnprocessableEntity, "file is required")
		return
	}
	defer file.Close()

	head := make([]byte, 3072)
	n, _ := file.Read(head)
	contentType, err := upload.DetectContentType(head[:n])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unsupported file type: %s", header.Header.Get("Content-Type")))
		return
	}
	if header.Size > upload.MaxSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("File too large. Maximum size is %d MB", upload.MaxSize>>20))
		return
	}

	name := uuid.NewString() + strings.ToLower(filepath.Ext(header.Filename))
	writeJSON(w, http.StatusOK, map[string]any{
		"url":          s.publicURL + "/uploads/" + name,
		"filename":     header.Filename,
		"content_type": contentType,
		"size":         header.Size,
	})
}

func (s *Server) toBody(job jobs.Job) jobBody {
	return jobBody{
		ID:             job.ID,
		UserID:         s.userID,
		JobType:        string(job.Type),
		Provider:       job.Provider,
		Status:         string(job.Status),
		Prompt:         optional(job.Prompt),
		StylePreset:    optional(job.StylePreset),
		InputFileURL:   optional(job.InputFileURL),
		OutputVideoURL: optional(job.OutputVideoURL),
		ThumbnailURL:   optional(job.ThumbnailURL),
		ErrorMessage:   optional(job.ErrorMessage),
		Progress:       job.Progress,
		// The backend emits naive UTC timestamps.
		CreatedAt: job.CreatedAt.UTC().Format("2006-01-02T15:04:05.999999"),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError uses the {"detail": ...} body of the real backend.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"detail": msg,
	})
}
