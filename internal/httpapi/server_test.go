package httpapi

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/vidgen-client/internal/jobs"
)

const (
	testToken  = "secret"
	testUserID = "0b6f3a4e-5d1c-4f7a-8e2b-9c0d1e2f3a4b"
	testJobID  = "3f1c9a52-7a0e-4c1e-9f43-2b8f7d7e1a01"
)

func serve(t *testing.T, srv *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_Generate_QueuesJob(t *testing.T) {
	srv := NewServer(WithAuth(testToken, testUserID))
	t.Cleanup(srv.Close)

	rec := serve(t, srv, http.MethodPost, "/api/v1/generate/text-to-video", []byte(`{"prompt":"a red fox","provider":"kling"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "queued", body["status"])
	id, _ := body["job_id"].(string)
	require.NotEmpty(t, id)

	job, ok := srv.Job(id)
	require.True(t, ok)
	assert.Equal(t, jobs.TypeTextToVideo, job.Type)
	assert.Equal(t, jobs.StatusQueued, job.Status)
	assert.Equal(t, "a red fox", job.Prompt)
}

func TestServer_Generate_RejectsMissingFields(t *testing.T) {
	srv := NewServer()
	t.Cleanup(srv.Close)

	rec := serve(t, srv, http.MethodPost, "/api/v1/generate/text-to-video", []byte(`{"prompt":"  "}`))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = serve(t, srv, http.MethodPost, "/api/v1/generate/image-to-video", []byte(`{"prompt":"x"}`))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = serve(t, srv, http.MethodPost, "/api/v1/generate/unknown", []byte(`{}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RequiresToken(t *testing.T) {
	srv := NewServer(WithAuth(testToken, testUserID))
	t.Cleanup(srv.Close)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Could not validate credentials", decodeBody(t, rec)["detail"])
}

func TestServer_GetJob(t *testing.T) {
	srv := NewServer()
	t.Cleanup(srv.Close)
	srv.PutJob(jobs.Job{
		ID:        testJobID,
		Type:      jobs.TypeImageToVideo,
		Status:    jobs.StatusProcessing,
		Progress:  40,
		CreatedAt: time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC),
	})

	rec := serve(t, srv, http.MethodGet, "/api/v1/jobs/"+testJobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "processing", body["status"])
	assert.EqualValues(t, 40, body["progress"])
	assert.Equal(t, "2024-05-01T08:30:00", body["created_at"])
	assert.Nil(t, body["output_video_url"])

	rec = serve(t, srv, http.MethodGet, "/api/v1/jobs/not-a-uuid", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = serve(t, srv, http.MethodGet, "/api/v1/jobs/"+"6a0e1c3d-0000-4000-8000-000000000000", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Job not found", decodeBody(t, rec)["detail"])
}

func TestServer_ListJobs_PaginatesNewestFirst(t *testing.T) {
	srv := NewServer()
	t.Cleanup(srv.Close)
	ids := []string{
		"00000000-0000-4000-8000-000000000001",
		"00000000-0000-4000-8000-000000000002",
		"00000000-0000-4000-8000-000000000003",
	}
	for _, id := range ids {
		srv.PutJob(jobs.Job{ID: id, Type: jobs.TypeTextToVideo, Status: jobs.StatusQueued})
	}
	srv.UpdateJob(ids[0], jobs.Patch{}.WithStatus(jobs.StatusCompleted))

	rec := serve(t, srv, http.MethodGet, "/api/v1/jobs?page=1&page_size=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page struct {
		Items []jobBody `json:"items"`
		Total int       `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, ids[2], page.Items[0].ID)
	assert.Equal(t, ids[1], page.Items[1].ID)

	rec = serve(t, srv, http.MethodGet, "/api/v1/jobs?status=completed", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, ids[0], page.Items[0].ID)

	rec = serve(t, srv, http.MethodGet, "/api/v1/jobs?page_size=101", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestServer_DeleteJob_CancelsQueuedAndDeletesOthers(t *testing.T) {
	srv := NewServer()
	t.Cleanup(srv.Close)
	finished := "00000000-0000-4000-8000-00000000000f"
	srv.PutJob(jobs.Job{ID: testJobID, Status: jobs.StatusQueued})
	srv.PutJob(jobs.Job{ID: finished, Status: jobs.StatusCompleted})

	rec := serve(t, srv, http.MethodDelete, "/api/v1/jobs/"+testJobID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	cancelled, ok := srv.Job(testJobID)
	require.True(t, ok)
	assert.Equal(t, jobs.StatusFailed, cancelled.Status)
	assert.Equal(t, "Cancelled by user", cancelled.ErrorMessage)

	rec = serve(t, srv, http.MethodDelete, "/api/v1/jobs/"+finished, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	_, ok = srv.Job(finished)
	assert.False(t, ok)

	rec = serve(t, srv, http.MethodDelete, "/api/v1/jobs/"+finished, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func multipartBody(t *testing.T, name string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestServer_Upload(t *testing.T) {
	srv := NewServer(WithPublicURL("https://cdn.example.com/"))
	t.Cleanup(srv.Close)

	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)
	body, contentType := multipartBody(t, "Cat.PNG", png)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, "image/png", out["content_type"])
	assert.Equal(t, "Cat.PNG", out["filename"])
	url, _ := out["url"].(string)
	assert.True(t, strings.HasPrefix(url, "https://cdn.example.com/uploads/"))
	assert.True(t, strings.HasSuffix(url, ".png"))
}

func TestServer_Upload_RejectsUnsupportedType(t *testing.T) {
	srv := NewServer()
	t.Cleanup(srv.Close)

	body, contentType := multipartBody(t, "notes.txt", []byte("plain text, not media"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	detail, _ := decodeBody(t, rec)["detail"].(string)
	assert.True(t, strings.HasPrefix(detail, "Unsupported file type"))
}

func dialPush(t *testing.T, ts *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/jobs/" + userID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func TestServer_Push_PingPongAndPublish(t *testing.T) {
	srv := NewServer(WithAuth(testToken, testUserID))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)

	conn := dialPush(t, ts, testUserID)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	assert.Equal(t, "pong", readText(t, conn))

	require.Eventually(t, func() bool { return srv.Subscribers(testUserID) == 1 }, time.Second, 5*time.Millisecond)
	sent := srv.Publish(testUserID, map[string]any{"job_id": testJobID, "status": "processing", "progress": 40})
	assert.Equal(t, 1, sent)

	var frame map[string]any
	require.NoError(t, json.Unmarshal([]byte(readText(t, conn)), &frame))
	assert.Equal(t, testJobID, frame["job_id"])
	assert.EqualValues(t, 40, frame["progress"])
}

func TestServer_Push_RejectsOtherUser(t *testing.T) {
	srv := NewServer(WithAuth(testToken, testUserID))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/jobs/" + "11111111-1111-4111-8111-111111111111"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServer_Simulation_PublishesLifecycle(t *testing.T) {
	srv := NewServer(WithAuth(testToken, testUserID), WithSimulation(5*time.Millisecond))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)

	conn := dialPush(t, ts, testUserID)
	require.Eventually(t, func() bool { return srv.Subscribers(testUserID) == 1 }, time.Second, 5*time.Millisecond)

	rec := serve(t, srv, http.MethodPost, "/api/v1/generate/text-to-video", []byte(`{"prompt":"a red fox"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	id, _ := decodeBody(t, rec)["job_id"].(string)

	var statuses []string
	for len(statuses) == 0 || statuses[len(statuses)-1] != "completed" {
		var frame map[string]any
		require.NoError(t, json.Unmarshal([]byte(readText(t, conn)), &frame))
		require.Equal(t, id, frame["job_id"])
		statuses = append(statuses, frame["status"].(string))
		if frame["status"] == "completed" {
			assert.Equal(t, "http://localhost:8000/videos/"+id+".mp4", frame["video_url"])
		}
	}
	assert.Equal(t, []string{"submitted", "processing", "processing", "processing", "completed"}, statuses)

	job, ok := srv.Job(id)
	require.True(t, ok)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
}

func TestServer_Simulation_FailsOnRequest(t *testing.T) {
	srv := NewServer(WithSimulation(2 * time.Millisecond))
	t.Cleanup(srv.Close)

	rec := serve(t, srv, http.MethodPost, "/api/v1/generate/text-to-video", []byte(`{"prompt":"please FAIL"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	id, _ := decodeBody(t, rec)["job_id"].(string)

	require.Eventually(t, func() bool {
		job, _ := srv.Job(id)
		return job.Status == jobs.StatusFailed
	}, 2*time.Second, 5*time.Millisecond)
	job, _ := srv.Job(id)
	assert.Equal(t, "provider timeout", job.ErrorMessage)
}
