package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MrCodeEU/faceid/pkg/config"
	"github.com/MrCodeEU/faceid/pkg/corpus"
	"github.com/MrCodeEU/faceid/pkg/faceimage"
	"github.com/MrCodeEU/faceid/pkg/journal"
	"github.com/MrCodeEU/faceid/pkg/recognition"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type MockEngine struct {
	RecognizeFunc func(ctx context.Context, raw []byte) (recognition.Result, error)
	IngestFunc    func(ctx context.Context, name string, raws [][]byte) (recognition.IngestReport, error)
	TrainFunc     func(ctx context.Context) (recognition.Stats, error)
	StatsFunc     func() recognition.Stats
}

func (m *MockEngine) Recognize(ctx context.Context, raw []byte) (recognition.Result, error) {
	if m.RecognizeFunc != nil {
		return m.RecognizeFunc(ctx, raw)
	}
	return recognition.Unrecognized, nil
}

func (m *MockEngine) Ingest(ctx context.Context, name string, raws [][]byte) (recognition.IngestReport, error) {
	if m.IngestFunc != nil {
		return m.IngestFunc(ctx, name, raws)
	}
	return recognition.IngestReport{}, nil
}

func (m *MockEngine) Train(ctx context.Context) (recognition.Stats, error) {
	if m.TrainFunc != nil {
		return m.TrainFunc(ctx)
	}
	return recognition.Stats{}, nil
}

func (m *MockEngine) Stats() recognition.Stats {
	if m.StatsFunc != nil {
		return m.StatsFunc()
	}
	return recognition.Stats{}
}

type MockJournal struct {
	Recorded         []string
	Rows             []journal.Attendance
	ConfirmationRows []journal.Confirmation
	Day              string
}

func (m *MockJournal) RecordConfirmation(ctx context.Context, name, confirmation string) error {
	m.Recorded = append(m.Recorded, name+"="+confirmation)
	return nil
}

func (m *MockJournal) Confirmations(ctx context.Context, day string) ([]journal.Confirmation, error) {
	if err := journal.ValidateDay(day); err != nil {
		return nil, err
	}
	m.Day = day
	return m.ConfirmationRows, nil
}

func (m *MockJournal) Attendance(ctx context.Context, day string) ([]journal.Attendance, error) {
	if err := journal.ValidateDay(day); err != nil {
		return nil, err
	}
	m.Day = day
	return m.Rows, nil
}

func (m *MockJournal) Today() string {
	return "20240301"
}

func newTestServer(engine Engine, j Journal) *Server {
	return NewServer(engine, j, config.ServerConfig{MaxUploadMB: 1})
}

func multipartBody(t *testing.T, fields map[string]string, field string, files ...[]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	for i, data := range files {
		fw, err := w.CreateFormFile(field, fmt.Sprintf("file%d.jpg", i))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, w.FormDataContentType()
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid json %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestRecognize(t *testing.T) {
	tests := []struct {
		name       string
		result     recognition.Result
		err        error
		wantStatus int
		wantCode   string
	}{
		{"recognized", recognition.Result{IsRecognized: true, Name: "alice"}, nil, http.StatusOK, ""},
		{"unrecognized", recognition.Unrecognized, nil, http.StatusOK, ""},
		{"decode error", recognition.Unrecognized, fmt.Errorf("%w: bad", faceimage.ErrDecode), http.StatusBadRequest, CodeDecodeError},
		{"corpus integrity", recognition.Unrecognized, fmt.Errorf("%w: x", corpus.ErrCorpusIntegrity), http.StatusInternalServerError, CodeCorpusIntegrity},
		{"other", recognition.Unrecognized, errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []byte
			engine := &MockEngine{
				RecognizeFunc: func(ctx context.Context, raw []byte) (recognition.Result, error) {
					got = raw
					return tt.result, tt.err
				},
			}
			s := newTestServer(engine, nil)

			body, ct := multipartBody(t, nil, "image", []byte("jpeg-bytes"))
			req := httptest.NewRequest(http.MethodPost, "/recognize", body)
			req.Header.Set("Content-Type", ct)
			rec := serve(s, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if string(got) != "jpeg-bytes" {
				t.Errorf("engine received %q", got)
			}
			out := decodeJSON(t, rec)
			if tt.wantCode != "" {
				if out["code"] != tt.wantCode {
					t.Errorf("expected code %s, got %v", tt.wantCode, out["code"])
				}
				return
			}
			if out["isRecognized"] != tt.result.IsRecognized {
				t.Errorf("unexpected isRecognized: %v", out["isRecognized"])
			}
			if tt.result.IsRecognized && out["name"] != tt.result.Name {
				t.Errorf("unexpected name: %v", out["name"])
			}
			if !tt.result.IsRecognized {
				if _, ok := out["name"]; ok {
					t.Errorf("name should be omitted when unrecognized")
				}
			}
		})
	}
}

func TestRecognize_MissingImage(t *testing.T) {
	s := newTestServer(&MockEngine{}, nil)

	body, ct := multipartBody(t, map[string]string{"other": "x"}, "image")
	req := httptest.NewRequest(http.MethodPost, "/recognize", body)
	req.Header.Set("Content-Type", ct)
	rec := serve(s, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if decodeJSON(t, rec)["code"] != CodeBadRequest {
		t.Errorf("expected BAD_REQUEST")
	}
}

func TestRecognize_TooLarge(t *testing.T) {
	called := false
	s := newTestServer(&MockEngine{
		RecognizeFunc: func(ctx context.Context, raw []byte) (recognition.Result, error) {
			called = true
			return recognition.Unrecognized, nil
		},
	}, nil)

	body, ct := multipartBody(t, nil, "image", bytes.Repeat([]byte{0xff}, 2<<20))
	req := httptest.NewRequest(http.MethodPost, "/recognize", body)
	req.Header.Set("Content-Type", ct)
	rec := serve(s, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rec.Code, rec.Body.String())
	}
	if called {
		t.Error("engine should not be called for oversized uploads")
	}
}

func TestIdentify(t *testing.T) {
	var got []byte
	s := newTestServer(&MockEngine{
		RecognizeFunc: func(ctx context.Context, raw []byte) (recognition.Result, error) {
			got = raw
			return recognition.Result{IsRecognized: true, Name: "bob"}, nil
		},
	}, nil)

	tests := []struct {
		name       string
		data       string
		wantStatus int
	}{
		{"plain base64", base64.StdEncoding.EncodeToString([]byte("img")), http.StatusOK},
		{"data url", "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("img")), http.StatusOK},
		{"invalid base64", "!!!", http.StatusBadRequest},
		{"missing", "", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = nil
			form := url.Values{}
			if tt.data != "" {
				form.Set("data", tt.data)
			}
			req := httptest.NewRequest(http.MethodPost, "/api/v1/faces/identify", strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := serve(s, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.wantStatus == http.StatusOK {
				if string(got) != "img" {
					t.Errorf("engine received %q", got)
				}
				if decodeJSON(t, rec)["name"] != "bob" {
					t.Errorf("unexpected body %s", rec.Body.String())
				}
			}
		})
	}
}

func TestIngest(t *testing.T) {
	tests := []struct {
		name       string
		report     recognition.IngestReport
		err        error
		wantStatus int
		wantCode   string
		wantFailed int
	}{
		{
			name:       "all stored",
			report:     recognition.IngestReport{Stored: []string{"alice_1.png", "alice_2.png"}},
			wantStatus: http.StatusOK,
		},
		{
			name: "partial",
			report: recognition.IngestReport{
				Stored: []string{"alice_1.png"},
				Failed: []recognition.ImageError{{Index: 1, Err: faceimage.ErrDecode}},
			},
			err:        errors.New("image 1: decode"),
			wantStatus: http.StatusOK,
			wantFailed: 1,
		},
		{
			name: "nothing stored",
			report: recognition.IngestReport{
				Failed: []recognition.ImageError{{Index: 0, Err: faceimage.ErrDecode}, {Index: 1, Err: recognition.ErrNoFace}},
			},
			err:        errors.New("all failed"),
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   CodeIngestFailed,
			wantFailed: 2,
		},
		{
			name:       "invalid name",
			err:        fmt.Errorf("%w: contains '_'", corpus.ErrInvalidName),
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeInvalidName,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotName string
			var gotCount int
			s := newTestServer(&MockEngine{
				IngestFunc: func(ctx context.Context, name string, raws [][]byte) (recognition.IngestReport, error) {
					gotName, gotCount = name, len(raws)
					return tt.report, tt.err
				},
			}, nil)

			body, ct := multipartBody(t, map[string]string{"name": "alice"}, "images", []byte("a"), []byte("b"))
			req := httptest.NewRequest(http.MethodPost, "/persons", body)
			req.Header.Set("Content-Type", ct)
			rec := serve(s, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if gotName != "alice" || gotCount != 2 {
				t.Errorf("engine received name=%q count=%d", gotName, gotCount)
			}
			out := decodeJSON(t, rec)
			if tt.wantCode != "" && out["code"] != tt.wantCode {
				t.Errorf("expected code %s, got %v", tt.wantCode, out["code"])
			}
			if tt.wantCode == CodeInvalidName {
				return
			}
			failed, _ := out["failed"].([]any)
			if len(failed) != tt.wantFailed {
				t.Errorf("expected %d failures, got %v", tt.wantFailed, out["failed"])
			}
		})
	}
}

func TestIngest_NoImages(t *testing.T) {
	called := false
	s := newTestServer(&MockEngine{
		IngestFunc: func(ctx context.Context, name string, raws [][]byte) (recognition.IngestReport, error) {
			called = true
			return recognition.IngestReport{}, nil
		},
	}, nil)

	body, ct := multipartBody(t, map[string]string{"name": "alice"}, "images")
	req := httptest.NewRequest(http.MethodPost, "/persons", body)
	req.Header.Set("Content-Type", ct)
	rec := serve(s, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if called {
		t.Error("engine should not be called without images")
	}
}

func TestTrainAndStatus(t *testing.T) {
	stats := recognition.Stats{Generation: 3, ModelGeneration: 3, Trained: true, Samples: 4, Identities: 2, Components: 3}
	s := newTestServer(&MockEngine{
		TrainFunc: func(ctx context.Context) (recognition.Stats, error) { return stats, nil },
		StatsFunc: func() recognition.Stats { return stats },
	}, nil)

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/train", nil),
		httptest.NewRequest(http.MethodGet, "/status", nil),
	} {
		rec := serve(s, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", req.URL.Path, rec.Code)
		}
		var got recognition.Stats
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatal(err)
		}
		if got != stats {
			t.Errorf("%s: expected %+v, got %+v", req.URL.Path, stats, got)
		}
	}
}

func TestTrain_CorpusIntegrity(t *testing.T) {
	s := newTestServer(&MockEngine{
		TrainFunc: func(ctx context.Context) (recognition.Stats, error) {
			return recognition.Stats{}, fmt.Errorf("%w: bad name", corpus.ErrCorpusIntegrity)
		},
	}, nil)

	rec := serve(s, httptest.NewRequest(http.MethodPost, "/train", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if decodeJSON(t, rec)["code"] != CodeCorpusIntegrity {
		t.Errorf("expected CORPUS_INTEGRITY")
	}
}

func TestConfirmation(t *testing.T) {
	j := &MockJournal{}
	s := newTestServer(&MockEngine{}, j)

	form := url.Values{"name": {"alice"}, "confirmation": {"yes"}}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/faces/confirmation", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := serve(s, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(j.Recorded) != 1 || j.Recorded[0] != "alice=yes" {
		t.Errorf("unexpected confirmations: %v", j.Recorded)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/faces/confirmation", strings.NewReader("name=alice"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if rec := serve(s, req); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without confirmation, got %d", rec.Code)
	}
}

func TestAttendance(t *testing.T) {
	j := &MockJournal{Rows: []journal.Attendance{
		{Name: "alice", Distance: 12.5, CreatedAt: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
	}}
	s := newTestServer(&MockEngine{}, j)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/faces/attendance", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if j.Day != "20240301" {
		t.Errorf("expected today's day key, got %q", j.Day)
	}
	if got := rec.Body.String(); got != "alice,2024-03-01T09:00:00Z,12.50\n" {
		t.Errorf("unexpected csv %q", got)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "20240301.csv") {
		t.Errorf("unexpected Content-Disposition %q", cd)
	}

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/faces/attendance?date=2024-03-01", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid date, got %d", rec.Code)
	}
}

func TestConfirmationsExport(t *testing.T) {
	j := &MockJournal{ConfirmationRows: []journal.Confirmation{
		{Name: "alice", Confirmation: "yes", CreatedAt: time.Date(2024, 3, 2, 8, 15, 0, 0, time.UTC)},
	}}
	s := newTestServer(&MockEngine{}, j)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/faces/confirmations?date=20240302", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if j.Day != "20240302" {
		t.Errorf("expected requested day, got %q", j.Day)
	}
	if got := rec.Body.String(); got != "alice,yes,2024-03-02T08:15:00Z\n" {
		t.Errorf("unexpected csv %q", got)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "20240302.csv") {
		t.Errorf("unexpected Content-Disposition %q", cd)
	}

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/faces/confirmations?date=bad", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid date, got %d", rec.Code)
	}
}

func TestJournalDisabled(t *testing.T) {
	s := newTestServer(&MockEngine{}, nil)

	for _, path := range []string{"/api/v1/faces/attendance", "/api/v1/faces/confirmations"} {
		rec := serve(s, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", path, rec.Code)
		}
	}
}
