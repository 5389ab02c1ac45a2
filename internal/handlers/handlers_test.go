package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/face-insight/internal/auth"
	"github.com/example/face-insight/internal/capture"
	"github.com/example/face-insight/internal/gallery"
	"github.com/example/face-insight/internal/prediction"
	"github.com/example/face-insight/internal/repository"
	"github.com/example/face-insight/internal/session"
	"github.com/example/face-insight/internal/usecase"
)

const testJWTSecret = "test-secret"

type stubGateway struct{}

func (stubGateway) SubmitProfile(ctx context.Context, name, location string) error { return nil }

func (stubGateway) SubmitImage(ctx context.Context, image string) (*prediction.Distributions, error) {
	return &prediction.Distributions{
		Race:   prediction.Distribution{{Label: "black", Score: 0.7}, {Label: "white", Score: 0.2}, {Label: "asian", Score: 0.1}},
		Age:    prediction.Distribution{{Label: "20-29", Score: 0.6}, {Label: "30-39", Score: 0.4}},
		Gender: prediction.Distribution{{Label: "female", Score: 0.5}, {Label: "male", Score: 0.5}},
	}, nil
}

type stubRepo struct{}

func (stubRepo) SaveRecord(ctx context.Context, record *repository.AnalysisRecord) error { return nil }

func (stubRepo) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	return &repository.MetricsAggregation{}, nil
}

type unavailableDevice struct{}

func (unavailableDevice) Open(ctx context.Context) (capture.Stream, error) {
	return nil, capture.ErrPermissionDenied
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	return newTestRouterWithKV(t, session.NewMemoryKV())
}

func newTestRouterWithKV(t *testing.T, kv session.KV) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop()
	uc := usecase.NewAnalysisUseCase(
		kv,
		stubGateway{},
		stubRepo{},
		capture.NewMachine(unavailableDevice{}, logger),
		gallery.NewAdapter(MaxUploadSize, logger),
		time.Minute,
		logger,
	)

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, uc, auth.JWTMiddleware(testJWTSecret, ""))
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body == "" {
		reader = &bytes.Buffer{}
	} else {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 13, 'I', 'H', 'D', 'R'}

func uploadImage(t *testing.T, router *gin.Engine, contentType string, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, formType := buildMultipartBody(t, contentType, payload)
	req := httptest.NewRequest(http.MethodPost, "/image", body)
	req.Header.Set("Content-Type", formType)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestRoutesRequireAuth(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/classify", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestHealthIsPublic(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestUploadRejectsLargePayload(t *testing.T) {
	router := newTestRouter(t)

	resp := uploadImage(t, router, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1))
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}
}

func TestUploadRejectsUnsupportedContentType(t *testing.T) {
	router := newTestRouter(t)

	resp := uploadImage(t, router, "text/plain", []byte("hello"))
	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", resp.Code)
	}
}

func TestUploadWithoutFileIsSilentNoOp(t *testing.T) {
	router := newTestRouter(t)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/image", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var payload struct {
		Attached bool `json:"attached"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if payload.Attached {
		t.Fatal("expected attached=false")
	}
}

func TestClassifyWithoutImage(t *testing.T) {
	router := newTestRouter(t)

	resp := doJSON(t, router, http.MethodPost, "/classify", "")
	if resp.Code != http.StatusPreconditionFailed {
		t.Fatalf("expected 412, got %d", resp.Code)
	}
}

func TestFullReviewFlow(t *testing.T) {
	router := newTestRouter(t)

	if resp := doJSON(t, router, http.MethodPost, "/profile", `{"name":"Ada","location":"London"}`); resp.Code != http.StatusAccepted {
		t.Fatalf("profile: expected 202, got %d", resp.Code)
	}
	if resp := uploadImage(t, router, "image/png", pngHeader); resp.Code != http.StatusOK {
		t.Fatalf("upload: expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if resp := doJSON(t, router, http.MethodPost, "/classify", ""); resp.Code != http.StatusOK {
		t.Fatalf("classify: expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	resp := doJSON(t, router, http.MethodGet, "/demographics/race", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("review: expected 200, got %d", resp.Code)
	}
	var review struct {
		Selected   string  `json:"selected"`
		Confidence float64 `json:"confidence"`
		Candidates []struct {
			Label string  `json:"label"`
			Score float64 `json:"score"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &review); err != nil {
		t.Fatalf("bad review body: %v", err)
	}
	if review.Selected != "black" || review.Confidence != 0.7 {
		t.Fatalf("unexpected initial review: %+v", review)
	}
	if review.Candidates[0].Label != "black" || review.Candidates[2].Label != "asian" {
		t.Fatalf("unexpected ranking: %+v", review.Candidates)
	}

	if resp := doJSON(t, router, http.MethodPut, "/demographics/race", `{"label":"white"}`); resp.Code != http.StatusOK {
		t.Fatalf("override: expected 200, got %d", resp.Code)
	}
	if resp := doJSON(t, router, http.MethodPut, "/demographics/race", `{"label":"martian"}`); resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid label: expected 422, got %d", resp.Code)
	}

	resp = doJSON(t, router, http.MethodGet, "/demographics/race", "")
	_ = json.Unmarshal(resp.Body.Bytes(), &review)
	if review.Selected != "white" || review.Confidence != 0.2 {
		t.Fatalf("override lost: %+v", review)
	}

	if resp := doJSON(t, router, http.MethodPost, "/demographics/reset", ""); resp.Code != http.StatusOK {
		t.Fatalf("reset: expected 200, got %d", resp.Code)
	}
	resp = doJSON(t, router, http.MethodGet, "/demographics/race", "")
	_ = json.Unmarshal(resp.Body.Bytes(), &review)
	if review.Selected != "black" {
		t.Fatalf("expected reset to top prediction, got %+v", review)
	}

	if resp := doJSON(t, router, http.MethodPost, "/confirm", ""); resp.Code != http.StatusOK {
		t.Fatalf("confirm: expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestRestartDiscardsReviewState(t *testing.T) {
	router := newTestRouter(t)

	if resp := uploadImage(t, router, "image/png", pngHeader); resp.Code != http.StatusOK {
		t.Fatalf("upload failed: %d", resp.Code)
	}
	if resp := doJSON(t, router, http.MethodPost, "/classify", ""); resp.Code != http.StatusOK {
		t.Fatalf("classify failed: %d", resp.Code)
	}
	if resp := doJSON(t, router, http.MethodPost, "/session/restart", ""); resp.Code != http.StatusOK {
		t.Fatalf("restart failed: %d", resp.Code)
	}

	if resp := doJSON(t, router, http.MethodGet, "/demographics", ""); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after restart, got %d", resp.Code)
	}
	// the image entry is gone too: classify requires reacquisition
	if resp := doJSON(t, router, http.MethodPost, "/classify", ""); resp.Code != http.StatusPreconditionFailed {
		t.Fatalf("expected 412 after restart, got %d", resp.Code)
	}
}

func TestSessionResumeRestoresReviewState(t *testing.T) {
	kv := session.NewMemoryKV()
	router := newTestRouterWithKV(t, kv)

	if resp := uploadImage(t, router, "image/png", pngHeader); resp.Code != http.StatusOK {
		t.Fatalf("upload failed: %d", resp.Code)
	}
	resp := doJSON(t, router, http.MethodPost, "/classify", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("classify failed: %d", resp.Code)
	}
	var classified struct {
		Session string `json:"session"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &classified); err != nil {
		t.Fatalf("bad classify body: %v", err)
	}
	if resp := doJSON(t, router, http.MethodPut, "/demographics/race", `{"label":"white"}`); resp.Code != http.StatusOK {
		t.Fatalf("override failed: %d", resp.Code)
	}

	// a second router over the same KV stands in for a restarted process
	restarted := newTestRouterWithKV(t, kv)
	resp = doJSON(t, restarted, http.MethodPost, "/session/resume", `{"session":"`+classified.Session+`"}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("resume failed: %d: %s", resp.Code, resp.Body.String())
	}
	var resumed struct {
		Restored bool `json:"restored"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &resumed); err != nil {
		t.Fatalf("bad resume body: %v", err)
	}
	if !resumed.Restored {
		t.Fatal("expected restored=true")
	}

	resp = doJSON(t, restarted, http.MethodGet, "/demographics/race", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("review after resume: expected 200, got %d", resp.Code)
	}
	var review struct {
		Selected   string  `json:"selected"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &review); err != nil {
		t.Fatalf("bad review body: %v", err)
	}
	if review.Selected != "white" || review.Confidence != 0.2 {
		t.Fatalf("override lost across resume: %+v", review)
	}
}

func TestSessionResumeRequiresToken(t *testing.T) {
	router := newTestRouter(t)

	if resp := doJSON(t, router, http.MethodPost, "/session/resume", `{}`); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestCameraPermissionDenied(t *testing.T) {
	router := newTestRouter(t)

	resp := doJSON(t, router, http.MethodPost, "/camera/open", "")
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}

	resp = doJSON(t, router, http.MethodGet, "/camera", "")
	var state struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &state); err != nil {
		t.Fatalf("bad state body: %v", err)
	}
	if state.State != "error" {
		t.Fatalf("expected error state, got %q", state.State)
	}

	// cancel re-enters idle and allows a retry
	if resp := doJSON(t, router, http.MethodPost, "/camera/cancel", ""); resp.Code != http.StatusOK {
		t.Fatalf("cancel failed: %d", resp.Code)
	}
	resp = doJSON(t, router, http.MethodGet, "/camera", "")
	_ = json.Unmarshal(resp.Body.Bytes(), &state)
	if state.State != "idle" {
		t.Fatalf("expected idle after cancel, got %q", state.State)
	}
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
