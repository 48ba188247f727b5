package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/MimeLyc/vidgen-client/internal/jobs"
)

// Mode is the path segment of POST /generate/{mode}.
type Mode string

const (
	ModeImageToVideo Mode = "image-to-video"
	ModeTextToVideo  Mode = "text-to-video"
	ModeVideoToAnime Mode = "video-to-anime"
	ModeStory        Mode = "story"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeImageToVideo, ModeTextToVideo, ModeVideoToAnime, ModeStory:
		return m, nil
	}
	return "", NewError(ErrValidation, fmt.Sprintf("unknown generation mode %q", s))
}

// JobType is the job type the server records for jobs submitted in this mode.
func (m Mode) JobType() jobs.Type {
	switch m {
	case ModeImageToVideo:
		return jobs.TypeImageToVideo
	case ModeTextToVideo:
		return jobs.TypeTextToVideo
	case ModeVideoToAnime:
		return jobs.TypeVideoToAnime
	case ModeStory:
		return jobs.TypeStory
	}
	return ""
}

const (
	DefaultStylePreset   = "ghibli"
	DefaultProvider      = "kling"
	DefaultAnimeProvider = "comfyui"
	DefaultDuration      = 5
	DefaultAspectRatio   = "16:9"
	DefaultStyleStrength = 0.7
)

// StylePresets lists the presets the style picker offers.
var StylePresets = []string{"ghibli", "shonen", "seinen", "cyberpunk_anime", "chibi"}

// Providers lists the generation backends a request may target.
var Providers = []string{"kling", "jimeng", "vidu", "cogvideo", "comfyui"}

// GenerateRequest is the body of one POST /generate/{mode} call.
type GenerateRequest interface {
	Mode() Mode
	ApplyDefaults()
}

type ImageToVideoRequest struct {
	FileURL             string  `json:"file_url" validate:"required,url"`
	Prompt              string  `json:"prompt" validate:"max=2000"`
	StylePreset         string  `json:"style_preset" validate:"max=50"`
	Provider            string  `json:"provider" validate:"oneof=kling jimeng vidu cogvideo comfyui"`
	Duration            int     `json:"duration" validate:"min=1,max=15"`
	AspectRatio         string  `json:"aspect_ratio" validate:"required"`
	NegativePrompt      string  `json:"negative_prompt,omitempty" validate:"max=1000"`
	SubjectReferenceURL *string `json:"subject_reference_url,omitempty" validate:"omitempty,url"`
}

func (r *ImageToVideoRequest) Mode() Mode { return ModeImageToVideo }

func (r *ImageToVideoRequest) ApplyDefaults() {
	r.StylePreset = orDefault(r.StylePreset, DefaultStylePreset)
	r.Provider = orDefault(r.Provider, DefaultProvider)
	r.AspectRatio = orDefault(r.AspectRatio, DefaultAspectRatio)
	if r.Duration == 0 {
		r.Duration = DefaultDuration
	}
}

type TextToVideoRequest struct {
	Prompt         string `json:"prompt" validate:"required,max=2000"`
	StylePreset    string `json:"style_preset" validate:"max=50"`
	Provider       string `json:"provider" validate:"oneof=kling jimeng vidu cogvideo comfyui"`
	Duration       int    `json:"duration" validate:"min=1,max=15"`
	AspectRatio    string `json:"aspect_ratio" validate:"required"`
	NegativePrompt string `json:"negative_prompt,omitempty" validate:"max=1000"`
}

func (r *TextToVideoRequest) Mode() Mode { return ModeTextToVideo }

func (r *TextToVideoRequest) ApplyDefaults() {
	r.Prompt = strings.TrimSpace(r.Prompt)
	r.StylePreset = orDefault(r.StylePreset, DefaultStylePreset)
	r.Provider = orDefault(r.Provider, DefaultProvider)
	r.AspectRatio = orDefault(r.AspectRatio, DefaultAspectRatio)
	if r.Duration == 0 {
		r.Duration = DefaultDuration
	}
}

type VideoToAnimeRequest struct {
	FileURL       string   `json:"file_url" validate:"required,url"`
	StyleStrength *float64 `json:"style_strength,omitempty" validate:"omitempty,gte=0,lte=1"`
	StylePreset   string   `json:"style_preset" validate:"max=50"`
	Provider      string   `json:"provider" validate:"oneof=kling jimeng vidu cogvideo comfyui"`
}

func (r *VideoToAnimeRequest) Mode() Mode { return ModeVideoToAnime }

func (r *VideoToAnimeRequest) ApplyDefaults() {
	r.StylePreset = orDefault(r.StylePreset, DefaultStylePreset)
	r.Provider = orDefault(r.Provider, DefaultAnimeProvider)
	if r.StyleStrength == nil {
		v := DefaultStyleStrength
		r.StyleStrength = &v
	}
}

type StoryRequest struct {
	StoryID     string `json:"story_id" validate:"required,uuid"`
	Provider    string `json:"provider" validate:"oneof=kling jimeng vidu cogvideo comfyui"`
	StylePreset string `json:"style_preset" validate:"max=50"`
}

func (r *StoryRequest) Mode() Mode { return ModeStory }

func (r *StoryRequest) ApplyDefaults() {
	r.StylePreset = orDefault(r.StylePreset, DefaultStylePreset)
	r.Provider = orDefault(r.Provider, DefaultProvider)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate applies defaults and checks req against the server's limits so
// obviously bad submissions fail before any network call.
func Validate(req GenerateRequest) error {
	if req == nil {
		return NewError(ErrValidation, "request is required")
	}
	req.ApplyDefaults()

	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return WrapError(err, ErrValidation, "invalid request")
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describeFieldError(fe))
	}
	return NewError(ErrValidation, strings.Join(msgs, "; ")).
		WithContext("mode", string(req.Mode()))
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "gte", "lte":
		return fmt.Sprintf("%s is out of range", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "uuid":
		return fmt.Sprintf("%s must be a UUID", field)
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
