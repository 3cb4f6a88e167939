package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/equipment-voice/internal/auth"
	"github.com/example/equipment-voice/internal/config"
	"github.com/example/equipment-voice/internal/failure"
	"github.com/example/equipment-voice/internal/repository"
	"github.com/example/equipment-voice/internal/speech"
	"github.com/example/equipment-voice/internal/usecase"
	"github.com/example/equipment-voice/internal/vision"
)

const testJWTSecret = "test-secret"

type stubLabeler struct {
	label string
	err   error
	calls int
}

func (s *stubLabeler) Label(ctx context.Context, encodedImage, instruction string) (string, error) {
	s.calls++
	return s.label, s.err
}

type stubEngine struct {
	audio []byte
	err   error
	calls int
}

func (s *stubEngine) Synthesize(ctx context.Context, text string) ([]byte, error) {
	s.calls++
	return s.audio, s.err
}

type stubStore struct {
	record *repository.IdentificationRecord
}

func (s *stubStore) SaveRecord(ctx context.Context, record *repository.IdentificationRecord) error {
	return nil
}

func (s *stubStore) FindByRequestID(ctx context.Context, requestID string) (*repository.IdentificationRecord, error) {
	if s.record != nil && s.record.RequestID == requestID {
		return s.record, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubStore) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	return &repository.MetricsAggregation{TotalCount: 2, SuccessCount: 1, AverageLatencyMs: 10}, nil
}

type testEnv struct {
	router    *gin.Engine
	uploadDir string
	audioDir  string
	engine    *stubEngine
}

func newTestEnv(t *testing.T, labeler vision.Labeler, authMiddleware gin.HandlerFunc, opts ...usecase.Option) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := &testEnv{
		uploadDir: t.TempDir(),
		audioDir:  filepath.Join(t.TempDir(), "audio"),
		engine:    &stubEngine{audio: []byte("ID3 fake mp3 payload")},
	}
	synth := speech.NewSynthesizer(env.engine, env.audioDir, time.Second, zap.NewNop())
	opts = append([]usecase.Option{usecase.WithUploadDir(env.uploadDir)}, opts...)
	uc := usecase.NewEquipmentUseCase(labeler, synth, zap.NewNop(), opts...)

	if authMiddleware == nil {
		authMiddleware = auth.Optional("", "")
	}
	env.router = gin.New()
	env.router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(env.router, uc, authMiddleware)
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	e.router.ServeHTTP(resp, req)
	return resp
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 16, 16)), nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func identifyRequest(t *testing.T, field, filename, contentType string, payload []byte) *http.Request {
	t.Helper()
	body, formType := buildMultipartBody(t, field, filename, contentType, payload)
	req := httptest.NewRequest(http.MethodPost, "/identify-medical-equipment/", body)
	req.Header.Set("Content-Type", formType)
	return req
}

func newVocalizeRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/vocalize-equipment/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeDetail(t *testing.T, resp *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("error body is not json: %v (%s)", err, resp.Body.String())
	}
	if !strings.HasPrefix(payload.Detail, "Error: ") {
		t.Fatalf("detail should start with \"Error: \", got %q", payload.Detail)
	}
	return payload.Detail
}

func assertNoStagedFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read upload dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected upload dir to be empty, found %s", entries[0].Name())
	}
}

func TestIdentifyReturnsEquipmentName(t *testing.T) {
	env := newTestEnv(t, &stubLabeler{label: "Portable X-Ray Machine"}, nil)

	resp := env.do(identifyRequest(t, "file", "xray.jpg", "image/jpeg", jpegBytes(t)))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var payload map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["equipment_name"] != "Portable X-Ray Machine" || len(payload) != 1 {
		t.Fatalf("unexpected body %v", payload)
	}
	if resp.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected request id header")
	}
	assertNoStagedFiles(t, env.uploadDir)
}

func TestIdentifyAcceptsAnyFieldName(t *testing.T) {
	env := newTestEnv(t, &stubLabeler{label: "Stethoscope"}, nil)

	resp := env.do(identifyRequest(t, "picture", "scan.jpg", "image/jpeg", jpegBytes(t)))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestIdentifyWithoutFileIsClientError(t *testing.T) {
	env := newTestEnv(t, &stubLabeler{label: "x"}, nil)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	_ = writer.WriteField("note", "no file here")
	_ = writer.Close()
	req := httptest.NewRequest(http.MethodPost, "/identify-medical-equipment/", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp := env.do(req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	decodeDetail(t, resp)

	req = httptest.NewRequest(http.MethodPost, "/identify-medical-equipment/", strings.NewReader(`{"file":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	if resp := env.do(req); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-multipart body, got %d", resp.Code)
	}
}

func TestIdentifyRejectsLargeUpload(t *testing.T) {
	env := newTestEnv(t, &stubLabeler{label: "x"}, nil)

	resp := env.do(identifyRequest(t, "image", "upload", "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1)))
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
	assertNoStagedFiles(t, env.uploadDir)
}

func TestIdentifyRejectsUnsupportedContent(t *testing.T) {
	labeler := &stubLabeler{label: "x"}
	env := newTestEnv(t, labeler, nil)

	resp := env.do(identifyRequest(t, "image", "upload", "text/plain", []byte("hello")))
	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
	if labeler.calls != 0 {
		t.Fatal("vision model should not be called for non-images")
	}
	assertNoStagedFiles(t, env.uploadDir)
}

func TestIdentifyForwardsImagesWithoutRegisteredDecoder(t *testing.T) {
	labeler := &stubLabeler{label: "Portable X-Ray Machine"}
	env := newTestEnv(t, labeler, nil)

	avif := append([]byte("\x00\x00\x00\x1cftypavif\x00\x00\x00\x00avifmif1miaf"), make([]byte, 64)...)
	resp := env.do(identifyRequest(t, "file", "xray.avif", "image/avif", avif))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if labeler.calls != 1 {
		t.Fatalf("expected the vision model to be called once, got %d", labeler.calls)
	}
	if !strings.Contains(resp.Body.String(), "Portable X-Ray Machine") {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
	assertNoStagedFiles(t, env.uploadDir)
}

func TestIdentifyWithoutCredentialsIsServiceMisconfigured(t *testing.T) {
	labeler := vision.NewBedrockLabeler(config.Credential{}, vision.OptionsFromConfig(config.Default().Vision), zap.NewNop())
	env := newTestEnv(t, labeler, nil)

	resp := env.do(identifyRequest(t, "file", "xray.jpg", "image/jpeg", jpegBytes(t)))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", resp.Code, resp.Body.String())
	}
	if detail := decodeDetail(t, resp); !strings.Contains(detail, "AWS_ACCESS_KEY_ID") {
		t.Fatalf("detail should name the missing credentials, got %q", detail)
	}
	assertNoStagedFiles(t, env.uploadDir)
}

func TestIdentifyProviderFailureIsBadGateway(t *testing.T) {
	labeler := &stubLabeler{err: failure.Wrap(failure.KindRemoteServiceFailure, errors.New("AccessDeniedException"), "failed to invoke bedrock model")}
	env := newTestEnv(t, labeler, nil)

	resp := env.do(identifyRequest(t, "file", "xray.jpg", "image/jpeg", jpegBytes(t)))
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Code)
	}
	if detail := decodeDetail(t, resp); !strings.Contains(detail, "AccessDeniedException") {
		t.Fatalf("unexpected detail %q", detail)
	}
	if resp.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected request id header on failures")
	}
	assertNoStagedFiles(t, env.uploadDir)
}

func TestVocalizeReturnsAudio(t *testing.T) {
	env := newTestEnv(t, &stubLabeler{}, nil)

	resp := env.do(newVocalizeRequest(`{"equipment_name": "Defibrillator"}`))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if ct := resp.Header().Get("Content-Type"); ct != "audio/mpeg" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if cd := resp.Header().Get("Content-Disposition"); !strings.Contains(cd, `filename="equipment_audio.mp3"`) {
		t.Fatalf("unexpected content disposition %q", cd)
	}
	if resp.Body.Len() == 0 || !bytes.Equal(resp.Body.Bytes(), env.engine.audio) {
		t.Fatalf("unexpected audio body %q", resp.Body.String())
	}

	entries, _ := os.ReadDir(env.audioDir)
	if len(entries) != 0 {
		t.Fatalf("served clip should be released, found %d files", len(entries))
	}
}

func TestVocalizeValidation(t *testing.T) {
	env := newTestEnv(t, &stubLabeler{}, nil)

	for name, body := range map[string]string{
		"missing field": `{}`,
		"number":        `{"equipment_name": 42}`,
		"null":          `{"equipment_name": null}`,
		"list":          `{"equipment_name": ["a"]}`,
		"blank":         `{"equipment_name": "   "}`,
		"not json":      `equipment_name=Defibrillator`,
		"empty body":    ``,
	} {
		resp := env.do(newVocalizeRequest(body))
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, resp.Code)
		}
		decodeDetail(t, resp)
	}
	if env.engine.calls != 0 {
		t.Fatalf("engine should not be called for invalid bodies, got %d calls", env.engine.calls)
	}
}

func TestVocalizeSynthesisFailureIsServerSide(t *testing.T) {
	env := newTestEnv(t, &stubLabeler{}, nil)
	env.engine.err = errors.New("connection reset")

	resp := env.do(newVocalizeRequest(`{"equipment_name": "Defibrillator"}`))
	if resp.Code < 500 {
		t.Fatalf("expected 5xx, got %d", resp.Code)
	}
	decodeDetail(t, resp)
}

func TestPipelineRoutesRequireTokenWhenAuthEnabled(t *testing.T) {
	env := newTestEnv(t, &stubLabeler{label: "Ventilator"}, auth.JWTMiddleware(testJWTSecret, ""))

	if resp := env.do(newVocalizeRequest(`{"equipment_name": "Ventilator"}`)); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.Code)
	}

	req := identifyRequest(t, "file", "vent.jpg", "image/jpeg", jpegBytes(t))
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))
	if resp := env.do(req); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.Code)
	}

	health := httptest.NewRequest(http.MethodGet, "/health", nil)
	if resp := env.do(health); resp.Code != http.StatusOK {
		t.Fatalf("health should stay public, got %d", resp.Code)
	}
}

func TestLookupRoutes(t *testing.T) {
	env := newTestEnv(t, &stubLabeler{}, nil)
	if resp := env.do(httptest.NewRequest(http.MethodGet, "/identifications/abc", nil)); resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without store, got %d", resp.Code)
	}
	if resp := env.do(httptest.NewRequest(http.MethodGet, "/metrics/summary", nil)); resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without store, got %d", resp.Code)
	}

	store := &stubStore{record: &repository.IdentificationRecord{RequestID: "abc", Label: "Infusion Pump", Status: repository.StatusSucceeded}}
	env = newTestEnv(t, &stubLabeler{}, nil, usecase.WithRecordStore(store))

	resp := env.do(httptest.NewRequest(http.MethodGet, "/identifications/abc", nil))
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "Infusion Pump") {
		t.Fatalf("unexpected lookup response %d %s", resp.Code, resp.Body.String())
	}
	if resp := env.do(httptest.NewRequest(http.MethodGet, "/identifications/missing", nil)); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}

	resp = env.do(httptest.NewRequest(http.MethodGet, "/metrics/summary", nil))
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"success_rate":0.5`) {
		t.Fatalf("unexpected metrics response %d %s", resp.Code, resp.Body.String())
	}
}

func buildMultipartBody(t *testing.T, field, filename, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
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
