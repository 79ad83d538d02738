package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"calibration-backend/config"
	"calibration-backend/internal/blob"
	"calibration-backend/internal/broadcast"
	"calibration-backend/internal/db"
	"calibration-backend/internal/registry"
	"calibration-backend/internal/service"
	"calibration-backend/internal/store"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router *gin.Engine
	store  store.Store
	blobs  *blob.Store
	hub    *broadcast.Hub
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, access blob.Access, push *webpush.Options) *testEnv {
	t.Helper()
	logger := discardLogger()

	gormDB, err := db.Init(&config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "calibration.db")})
	require.NoError(t, err)
	st := store.NewGormStore(gormDB, store.Options{Logger: logger})
	t.Cleanup(func() { _ = st.Close(context.Background()) })

	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { bucket.Close() })
	blobs, err := blob.New(bucket, blob.Options{
		Prefix:        "records/",
		MaxBytes:      1024,
		AllowedTypes:  []string{"image/png", "image/jpeg"},
		Access:        access,
		PublicBaseURL: "https://cdn.example.com",
	})
	require.NoError(t, err)

	hub := broadcast.NewHub(16, logger)
	t.Cleanup(hub.Close)

	svc := service.New(registry.Default(), st, blobs, hub,
		service.WithLogger(logger),
		service.WithClock(clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))))

	handler := NewHandler(Options{
		Service:        svc,
		Store:          st,
		Blobs:          blobs,
		Hub:            hub,
		WebPush:        push,
		MaxUploadBytes: 1024,
		KeepAlive:      time.Hour,
		Logger:         logger,
	})
	router := NewRouter(handler, RouterOptions{RateLimitPerSec: 1000, RateLimitBurst: 1000, Logger: logger})
	return &testEnv{router: router, store: st, blobs: blobs, hub: hub}
}

type imagePart struct {
	filename    string
	contentType string
	data        []byte
}

func multipartBody(t *testing.T, fields map[string]string, img *imagePart) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if img != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="image"; filename="`+img.filename+`"`)
		h.Set("Content-Type", img.contentType)
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(img.data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) request(method, target string, body io.Reader) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return e.do(req)
}

func (e *testEnv) createRecord(t *testing.T, fields map[string]string, img *imagePart) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, fields, img)
	req, _ := http.NewRequest(http.MethodPost, "/api/records", body)
	req.Header.Set("Content-Type", contentType)
	return e.do(req)
}

func validFields() map[string]string {
	return map[string]string{
		"machine":    "LX4",
		"date":       "2025-05-30",
		"status":     "pass",
		"calibrator": "Anong",
		"notes":      "ok",
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}
