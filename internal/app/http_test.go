package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marginalia/api/internal/annotation"
	"marginalia/api/internal/auth"
	"marginalia/api/internal/viewer"
)

func issueToken(t *testing.T, name, role string) string {
	t.Helper()
	token, _, err := auth.Issue([]byte(testSecret), name, role, time.Hour, time.Now())
	require.NoError(t, err)
	return token
}

func do(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func handlerFor(f *fixture) http.Handler {
	return NewHTTPServer(f.service, "*", f.service.logger).Handler()
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	rr := do(t, handlerFor(f), http.MethodGet, "/api/health", "", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decode[map[string]any](t, rr)["ok"])
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestReadyEndpoint(t *testing.T) {
	t.Run("ready after bootstrap", func(t *testing.T) {
		f := bootstrapped(t, testConfig(), nil)
		rr := do(t, handlerFor(f), http.MethodGet, "/api/ready", "", nil)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "ready", decode[map[string]any](t, rr)["status"])
	})

	t.Run("database failure", func(t *testing.T) {
		f := bootstrapped(t, testConfig(), &fakeStore{pingFn: func(context.Context) error {
			return errors.New("connection refused")
		}})
		rr := do(t, handlerFor(f), http.MethodGet, "/api/ready", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		body := decode[map[string]any](t, rr)
		checks := body["checks"].(map[string]any)
		assert.Equal(t, "error", checks["database"].(map[string]any)["status"])
	})

	t.Run("not bootstrapped", func(t *testing.T) {
		f := newFixture(t, testConfig(), nil)
		rr := do(t, handlerFor(f), http.MethodGet, "/api/ready", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})
}

func TestRequiresSession(t *testing.T) {
	f := bootstrapped(t, testConfig(), nil)
	handler := handlerFor(f)

	assert.Equal(t, http.StatusUnauthorized, do(t, handler, http.MethodGet, "/api/annotations", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, handler, http.MethodGet, "/api/annotations", "not-a-token", nil).Code)

	expired, _, err := auth.Issue([]byte(testSecret), "Avery", "editor", time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do(t, handler, http.MethodGet, "/api/annotations", expired, nil).Code)

	rr := do(t, handler, http.MethodGet, "/api/session", issueToken(t, "Avery", "editor"), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "editor", decode[map[string]any](t, rr)["role"])
}

func TestRolePermissions(t *testing.T) {
	f := bootstrapped(t, testConfig(), nil)
	handler := handlerFor(f)
	viewerToken := issueToken(t, "Val", "viewer")
	editorToken := issueToken(t, "Eve", "editor")

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{name: "viewer lists", method: http.MethodGet, path: "/api/annotations", token: viewerToken, want: http.StatusOK},
		{name: "viewer cannot add", method: http.MethodPost, path: "/api/annotations", token: viewerToken, body: noteInput(1), want: http.StatusForbidden},
		{name: "viewer cannot delete", method: http.MethodDelete, path: "/api/annotations", token: viewerToken, body: map[string]any{"ids": []string{"AAAAAAAA"}}, want: http.StatusForbidden},
		{name: "viewer cannot snapshot", method: http.MethodPost, path: "/api/snapshots", token: viewerToken, body: map[string]any{}, want: http.StatusForbidden},
		{name: "editor cannot switch mode", method: http.MethodPut, path: "/api/read-only", token: editorToken, body: map[string]any{"readOnly": true}, want: http.StatusForbidden},
		{name: "unknown route", method: http.MethodGet, path: "/api/nothing", token: viewerToken, want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, handler, tt.method, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
}

func TestAnnotationLifecycleOverHTTP(t *testing.T) {
	f := bootstrapped(t, testConfig(), nil)
	handler := handlerFor(f)
	token := issueToken(t, "Eve", "editor")

	rr := do(t, handler, http.MethodPost, "/api/annotations", token, noteInput(2))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decode[annotation.Annotation](t, rr)
	assert.True(t, annotation.ValidID(created.ID))
	assert.Equal(t, "1", created.PageLabel)
	assert.Equal(t, annotation.DefaultColor, created.Color)

	rr = do(t, handler, http.MethodPatch, "/api/annotations/"+created.ID, token, map[string]any{"comment": "revised"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "revised", decode[annotation.Annotation](t, rr).Comment)

	rr = do(t, handler, http.MethodGet, "/api/annotations/"+created.ID, token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "revised", decode[annotation.Annotation](t, rr).Comment)

	rr = do(t, handler, http.MethodGet, "/api/annotations", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[struct {
		Annotations []annotation.Annotation `json:"annotations"`
		Revision    int64                   `json:"revision"`
	}](t, rr)
	require.Len(t, list.Annotations, 1)
	assert.Positive(t, list.Revision)

	rr = do(t, handler, http.MethodDelete, "/api/annotations/"+created.ID, token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, http.StatusNotFound, do(t, handler, http.MethodGet, "/api/annotations/"+created.ID, token, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, handler, http.MethodPatch, "/api/annotations/"+created.ID, token, map[string]any{"comment": "x"}).Code)
}

func TestAddValidationOverHTTP(t *testing.T) {
	f := bootstrapped(t, testConfig(), nil)
	handler := handlerFor(f)
	token := issueToken(t, "Eve", "editor")

	rr := do(t, handler, http.MethodPost, "/api/annotations", token, map[string]any{"type": "scribble"})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	body := decode[map[string]any](t, rr)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])
	details := body["details"].(map[string]any)
	assert.Equal(t, "oneof", details["type"])
	assert.Equal(t, "required", details["position.rects"])

	req := httptest.NewRequest(http.MethodPost, "/api/annotations", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+token)
	raw := httptest.NewRecorder()
	handler.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestImageAnnotationOverHTTP(t *testing.T) {
	f := bootstrapped(t, testConfig(), nil)
	handler := handlerFor(f)
	token := issueToken(t, "Eve", "editor")

	input := noteInput(1)
	input.Type = annotation.TypeImage
	rr := do(t, handler, http.MethodPost, "/api/annotations", token, input)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decode[annotation.Annotation](t, rr)
	require.NotNil(t, created.Image)
	assert.Equal(t, "data:image/png;base64,AAAA", *created.Image)

	rr = do(t, handler, http.MethodGet, "/api/annotations/"+created.ID+"/image", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[map[string]any](t, rr)
	assert.Equal(t, true, body["rendered"])

	assert.Equal(t, http.StatusNotFound, do(t, handler, http.MethodGet, "/api/annotations/ZZZZZZZZ/image", token, nil).Code)
}

func TestSetOverHTTP(t *testing.T) {
	f := bootstrapped(t, testConfig(), nil)
	handler := handlerFor(f)
	token := issueToken(t, "Eve", "editor")

	item := annotation.Annotation{
		ID:       "DDDDDDDD",
		Type:     annotation.TypeUnderline,
		Position: annotation.Position{PageIndex: 4, Rects: []annotation.Rect{{1, 2, 3, 4}}},
		Tags:     []annotation.Tag{},
	}
	rr := do(t, handler, http.MethodPut, "/api/annotations/EEEEEEEE", token, item)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = do(t, handler, http.MethodPut, "/api/annotations/DDDDDDDD", token, item)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	_, err := f.service.GetAnnotation("DDDDDDDD")
	assert.NoError(t, err)
}

func TestReadOnlyModeOverHTTP(t *testing.T) {
	f := bootstrapped(t, testConfig(), nil)
	handler := handlerFor(f)
	admin := issueToken(t, "Ada", "admin")

	rr := do(t, handler, http.MethodPut, "/api/read-only", admin, map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = do(t, handler, http.MethodPut, "/api/read-only", admin, map[string]any{"readOnly": true})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, handler, http.MethodPost, "/api/annotations", admin, noteInput(1))
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "READ_ONLY", decode[map[string]any](t, rr)["code"])

	rr = do(t, handler, http.MethodGet, "/api/status", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decode[map[string]any](t, rr)["readOnly"])
}

func TestPageLabelResetOverHTTP(t *testing.T) {
	f := bootstrapped(t, testConfig(), nil)
	handler := handlerFor(f)
	token := issueToken(t, "Eve", "editor")

	rr := do(t, handler, http.MethodPost, "/api/annotations", token, noteInput(3))
	require.Equal(t, http.StatusCreated, rr.Code)
	created := decode[annotation.Annotation](t, rr)

	rr = do(t, handler, http.MethodPost, "/api/page-labels/reset", token, map[string]any{"pageIndex": 0, "pageLabel": "iv"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	rr = do(t, handler, http.MethodPost, "/api/page-labels/reset", token, map[string]any{"pageLabel": "5"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = do(t, handler, http.MethodPost, "/api/page-labels/reset", token, map[string]any{"pageIndex": 0, "pageLabel": "10"})
	require.Equal(t, http.StatusOK, rr.Code)
	got, err := f.service.GetAnnotation(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "13", got.PageLabel)
}

func TestViewerEventsOverHTTP(t *testing.T) {
	f := bootstrapped(t, testConfig(), nil)
	handler := handlerFor(f)
	token := issueToken(t, "Val", "viewer")

	rr := do(t, handler, http.MethodPost, "/api/viewer/events", token, map[string]any{"event": "scrolled"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = do(t, handler, http.MethodPost, "/api/viewer/events", token, map[string]any{"event": "pagerendered"})
	assert.Equal(t, http.StatusAccepted, rr.Code)
	_, _, events := f.feed.published()
	assert.Equal(t, []viewer.Event{viewer.PageRendered}, events)
}

func TestSearchOverHTTP(t *testing.T) {
	f := bootstrapped(t, testConfig(), nil)
	handler := handlerFor(f)
	token := issueToken(t, "Val", "viewer")

	rr := do(t, handler, http.MethodGet, "/api/search?q=margin&limit=5", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, rr)["total"])

	rr = do(t, handler, http.MethodGet, "/api/search?q=margin&limit=five", token, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestSnapshotsOverHTTP(t *testing.T) {
	f := bootstrapped(t, testConfig(), nil)
	handler := handlerFor(f)
	token := issueToken(t, "Eve", "editor")

	require.Equal(t, http.StatusCreated, do(t, handler, http.MethodPost, "/api/annotations", token, noteInput(2)).Code)

	rr := do(t, handler, http.MethodPost, "/api/snapshots", token, map[string]any{"message": "review"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	hash := decode[map[string]any](t, rr)["hash"].(string)

	rr = do(t, handler, http.MethodPost, "/api/snapshots", token, map[string]any{"message": "again"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, handler, http.MethodGet, "/api/snapshots", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[map[string]any](t, rr)["snapshots"], 1)

	rr = do(t, handler, http.MethodGet, "/api/snapshots/"+hash, token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[map[string]any](t, rr)["annotations"], 1)

	assert.Equal(t, http.StatusNotFound, do(t, handler, http.MethodGet, "/api/snapshots/0123456789012345678901234567890123456789", token, nil).Code)
}
