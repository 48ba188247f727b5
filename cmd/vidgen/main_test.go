package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/vidgen-client/internal/api"
	"github.com/MimeLyc/vidgen-client/internal/config"
	"github.com/MimeLyc/vidgen-client/internal/history"
	"github.com/MimeLyc/vidgen-client/internal/httpapi"
	"github.com/MimeLyc/vidgen-client/internal/jobs"
)

const (
	testToken  = "secret"
	testUserID = "0b6f3a4e-5d1c-4f7a-8e2b-9c0d1e2f3a4b"
)

type fakeHTTP struct {
	listenCalled chan struct{}
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	listenErr    error
}

func newFakeHTTP() *fakeHTTP {
	return &fakeHTTP{
		listenCalled: make(chan struct{}),
		shutdownCh:   make(chan struct{}),
	}
}

func (f *fakeHTTP) ListenAndServe(string) error {
	close(f.listenCalled)
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.shutdownCh
	return http.ErrServerClosed
}

func (f *fakeHTTP) Shutdown(context.Context) error {
	f.shutdownOnce.Do(func() { close(f.shutdownCh) })
	return nil
}

func TestServeUntilDone_ShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := newFakeHTTP()
	doneCh := make(chan error, 1)
	go func() { doneCh <- serveUntilDone(ctx, srv, "127.0.0.1:0") }()

	select {
	case <-srv.listenCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("http server did not start")
	}

	cancel()

	select {
	case err := <-doneCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serveUntilDone did not exit after cancellation")
	}
}

func TestServeUntilDone_ReturnsListenError(t *testing.T) {
	srv := newFakeHTTP()
	srv.listenErr = errors.New("address already in use")

	err := serveUntilDone(context.Background(), srv, ":8000")
	require.EqualError(t, err, "address already in use")
}

func TestBuildRequest(t *testing.T) {
	f := submitFlags{
		prompt:   "a cat waves",
		fileURL:  "https://cdn.example.com/cat.png",
		storyID:  "00000000-0000-4000-8000-000000000001",
		provider: "vidu",
		duration: 8,
		strength: -1,
	}

	img, ok := buildRequest(api.ModeImageToVideo, f).(*api.ImageToVideoRequest)
	require.True(t, ok)
	assert.Equal(t, f.fileURL, img.FileURL)
	assert.Equal(t, 8, img.Duration)

	txt, ok := buildRequest(api.ModeTextToVideo, f).(*api.TextToVideoRequest)
	require.True(t, ok)
	assert.Equal(t, "a cat waves", txt.Prompt)
	assert.Equal(t, "vidu", txt.Provider)

	anime, ok := buildRequest(api.ModeVideoToAnime, f).(*api.VideoToAnimeRequest)
	require.True(t, ok)
	assert.Nil(t, anime.StyleStrength)

	f.strength = 0.3
	anime = buildRequest(api.ModeVideoToAnime, f).(*api.VideoToAnimeRequest)
	require.NotNil(t, anime.StyleStrength)
	assert.InDelta(t, 0.3, *anime.StyleStrength, 1e-9)

	story, ok := buildRequest(api.ModeStory, f).(*api.StoryRequest)
	require.True(t, ok)
	assert.Equal(t, f.storyID, story.StoryID)
}

func TestRun_Usage(t *testing.T) {
	var stdout, stderr bytes.Buffer

	err := run(context.Background(), nil, &stdout, &stderr)
	require.ErrorIs(t, err, errUsage)
	assert.Contains(t, stderr.String(), "Usage: vidgen")

	stderr.Reset()
	err = run(context.Background(), []string{"render"}, &stdout, &stderr)
	require.ErrorIs(t, err, errUsage)
	assert.Contains(t, stderr.String(), `unknown command "render"`)
}

// newBackend starts a mock backend and points the CLI environment at it.
func newBackend(t *testing.T, opts ...httpapi.Option) (*httpapi.Server, string) {
	t.Helper()
	srv := httpapi.NewServer(append([]httpapi.Option{httpapi.WithAuth(testToken, testUserID)}, opts...)...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)

	dataDir := t.TempDir()
	t.Setenv("DATA_DIR", dataDir)
	t.Setenv("SESSION_FILE", filepath.Join(dataDir, "session.json"))
	t.Setenv("API_URL", ts.URL+"/api/v1")
	t.Setenv("WS_URL", "ws"+strings.TrimPrefix(ts.URL, "http"))
	t.Setenv("POLL_INTERVAL", "10ms")
	t.Setenv("PUSH_RECONNECT_DELAY", "10ms")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_FILE", "")
	return srv, dataDir
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), err
}

func TestRun_LoginAndLogout(t *testing.T) {
	_, dataDir := newBackend(t)

	out, err := runCLI(t, "login", "--token", testToken, "--user", testUserID, "--name", "mika")
	require.NoError(t, err)
	assert.Equal(t, "Logged in as mika\n", out)

	session, err := config.LoadSessionFile(filepath.Join(dataDir, "session.json"))
	require.NoError(t, err)
	assert.Equal(t, testToken, session.Token)

	_, err = runCLI(t, "login", "--token", testToken, "--user", "not-a-uuid")
	require.Error(t, err)

	_, err = runCLI(t, "logout")
	require.NoError(t, err)
	_, err = config.LoadSessionFile(filepath.Join(dataDir, "session.json"))
	assert.ErrorIs(t, err, config.ErrNoSession)
}

func TestRun_SubmitRequiresSession(t *testing.T) {
	newBackend(t)

	_, err := runCLI(t, "submit", "text-to-video", "--prompt", "a red fox")
	assert.ErrorIs(t, err, config.ErrNoSession)
}

func TestRun_SubmitSyncAndCancel(t *testing.T) {
	srv, _ := newBackend(t)
	_, err := runCLI(t, "login", "--token", testToken, "--user", testUserID)
	require.NoError(t, err)

	out, err := runCLI(t, "submit", "text-to-video", "--prompt", "a red fox in snow")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "Submitted "))
	id := strings.TrimSpace(strings.TrimPrefix(strings.SplitN(out, "\n", 2)[0], "Submitted "))
	assert.Contains(t, out, "[Queued] Txt2Vid  "+id[:8])

	job, ok := srv.Job(id)
	require.True(t, ok)
	assert.Equal(t, api.DefaultProvider, job.Provider)

	out, err = runCLI(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "Job Queue (1)")
	assert.Contains(t, out, "a red fox in snow")

	out, err = runCLI(t, "cancel", id)
	require.NoError(t, err)
	assert.Equal(t, "Cancelled "+id+"\n", out)
	job, _ = srv.Job(id)
	assert.Equal(t, jobs.StatusFailed, job.Status)
}

func TestRun_SubmitValidationError(t *testing.T) {
	newBackend(t)
	_, err := runCLI(t, "login", "--token", testToken, "--user", testUserID)
	require.NoError(t, err)

	_, err = runCLI(t, "submit", "image-to-video", "--prompt", "no input file")
	require.Error(t, err)
	assert.True(t, api.IsErrorType(err, api.ErrValidation))

	_, err = runCLI(t, "submit", "slideshow")
	require.Error(t, err)
}

func TestRun_SubmitWaitFollowsJobToCompletion(t *testing.T) {
	newBackend(t, httpapi.WithSimulation(5*time.Millisecond))
	_, err := runCLI(t, "login", "--token", testToken, "--user", testUserID)
	require.NoError(t, err)

	out, err := runCLI(t, "submit", "text-to-video", "--prompt", "a lighthouse at dusk", "--wait")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "Submitted "))
	id := strings.TrimSpace(strings.TrimPrefix(strings.SplitN(out, "\n", 2)[0], "Submitted "))
	assert.Contains(t, out, "[Completed] Txt2Vid  "+id[:8])
	assert.Contains(t, out, "> http://localhost:8000/videos/")
}

func TestRun_History(t *testing.T) {
	_, dataDir := newBackend(t)

	out, err := runCLI(t, "history")
	require.NoError(t, err)
	assert.Equal(t, "No finished jobs yet.\n", out)

	db, err := history.NewSQLiteStore(filepath.Join(dataDir, "history.db"))
	require.NoError(t, err)
	finished := time.Now().Add(-time.Minute)
	require.NoError(t, db.Record(context.Background(), history.NewEntry(jobs.Job{
		ID:             "3f1c9a52-7a0e-4c1e-9f43-2b8f7d7e1a01",
		Type:           jobs.TypeTextToVideo,
		Status:         jobs.StatusCompleted,
		Prompt:         "a red fox running through fresh snow",
		OutputVideoURL: "https://cdn.example.com/fox.mp4",
	}, finished)))
	require.NoError(t, db.Record(context.Background(), history.NewEntry(jobs.Job{
		ID:           "00000000-0000-4000-8000-000000000002",
		Type:         jobs.TypeStory,
		Status:       jobs.StatusFailed,
		ErrorMessage: "provider timeout",
	}, finished.Add(-time.Hour))))
	require.NoError(t, db.Close())

	out, err = runCLI(t, "history")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "JOB"))
	assert.Contains(t, lines[1], "3f1c9a52")
	assert.Contains(t, lines[1], "https://cdn.example.com/fox.mp4")
	assert.Contains(t, lines[1], "1 minute ago")
	assert.Contains(t, lines[2], "provider timeout")

	out, err = runCLI(t, "history", "--status", "failed")
	require.NoError(t, err)
	assert.NotContains(t, out, "3f1c9a52")

	out, err = runCLI(t, "history", "--prune")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 0 entries")
}
