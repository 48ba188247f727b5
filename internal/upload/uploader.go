package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/gabriel-vasile/mimetype"

	"github.com/MimeLyc/vidgen-client/internal/api"
	"github.com/MimeLyc/vidgen-client/pkg/log"
)

// MaxSize matches the server side upload limit.
const MaxSize int64 = 100 * 1024 * 1024

// sniffLen is how much of the file is read to detect its type.
const sniffLen = 3072

var AllowedTypes = []string{
	"image/png",
	"image/jpeg",
	"image/webp",
	"image/gif",
	"video/mp4",
	"video/webm",
	"video/quicktime",
}

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseUploading
	PhaseUploaded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseUploading:
		return "uploading"
	case PhaseUploaded:
		return "uploaded"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is the upload state of one Uploader. Progress is set while
// uploading, URL once uploaded and Message once failed.
type State struct {
	Phase    Phase
	Progress int
	URL      string
	Message  string
}

func (s State) String() string {
	switch s.Phase {
	case PhaseUploading:
		return fmt.Sprintf("uploading %d%%", s.Progress)
	case PhaseUploaded:
		return "uploaded " + s.URL
	case PhaseFailed:
		return "failed: " + s.Message
	default:
		return s.Phase.String()
	}
}

type Client interface {
	Upload(ctx context.Context, file api.UploadFile, progress api.ProgressFunc) (*api.UploadResult, error)
}

// Uploader sends one file at a time and tracks its state. The state is not
// persisted.
type Uploader struct {
	client Client

	mu       sync.Mutex
	state    State
	onChange func(State)
}

func New(client Client) *Uploader {
	return &Uploader{client: client}
}

// OnChange registers fn to receive every state transition.
func (u *Uploader) OnChange(fn func(State)) {
	u.mu.Lock()
	u.onChange = fn
	u.mu.Unlock()
}

func (u *Uploader) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *Uploader) Reset() {
	u.set(State{Phase: PhaseIdle})
}

// UploadPath uploads the file at path.
func (u *Uploader) UploadPath(ctx context.Context, path string) (*api.UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		err := api.WrapError(err, api.ErrValidation, fmt.Sprintf("Cannot open %s", filepath.Base(path)))
		u.fail(err)
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		u.fail(err)
		return nil, err
	}
	if info.IsDir() {
		err := api.NewError(api.ErrValidation, fmt.Sprintf("%s is a directory", path))
		u.fail(err)
		return nil, err
	}
	return u.Upload(ctx, filepath.Base(path), f, info.Size())
}

// Upload checks the type and size of body, then streams it to the server.
func (u *Uploader) Upload(ctx context.Context, name string, body io.Reader, size int64) (*api.UploadResult, error) {
	if size > MaxSize {
		err := api.NewError(api.ErrValidation,
			fmt.Sprintf("File is too large, the limit is %d MB", MaxSize/(1024*1024))).
			WithContext("size", size)
		u.fail(err)
		return nil, err
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		u.fail(err)
		return nil, err
	}
	head = head[:n]

	contentType, err := DetectContentType(head)
	if err != nil {
		u.fail(err)
		return nil, err
	}

	u.set(State{Phase: PhaseUploading})
	result, err := u.client.Upload(ctx, api.UploadFile{
		Name:        name,
		ContentType: contentType,
		Size:        size,
		Body:        io.MultiReader(bytes.NewReader(head), body),
	}, func(percent int) {
		if percent < 100 {
			u.set(State{Phase: PhaseUploading, Progress: percent})
		}
	})
	if err != nil {
		u.fail(err)
		return nil, err
	}

	u.set(State{Phase: PhaseUploaded, Progress: 100, URL: result.URL})
	log.Info("Uploaded %s (%s) to %s", name, contentType, result.URL)
	return result, nil
}

// DetectContentType sniffs head and returns its media type if uploads of it
// are allowed.
func DetectContentType(head []byte) (string, error) {
	detected := mimetype.Detect(head)
	for _, allowed := range AllowedTypes {
		if detected.Is(allowed) {
			return allowed, nil
		}
	}
	return "", api.NewError(api.ErrValidation,
		fmt.Sprintf("File type %s is not supported", detected.String())).
		WithContext("extension", detected.Extension())
}

func (u *Uploader) fail(err error) {
	u.set(State{Phase: PhaseFailed, Message: api.UserMessage(err)})
}

func (u *Uploader) set(s State) {
	u.mu.Lock()
	u.state = s
	fn := u.onChange
	u.mu.Unlock()

	if fn != nil {
		fn(s)
	}
}
