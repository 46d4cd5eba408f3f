package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"tickflow/internal/dispatch"
	"tickflow/internal/master"
	"tickflow/internal/store"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	require.NoError(t, store.EnsureSchema(db))
	require.NoError(t, dispatch.EnsureSchema(db))
	st := store.NewSQLiteStore(db)
	m := master.New(st, dispatch.New(db, time.Minute), 4, false)
	return NewServer(m, st)
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitGetDeleteTask(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, "POST", "/api/tasks",
		`{"kind":"notification","interval":"P7D","retries":3,"user_id":"42","title":"Engineer"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		TaskID int64 `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotZero(t, created.TaskID)

	path := "/api/tasks/" + strconv.FormatInt(created.TaskID, 10)
	rec = doJSON(t, h, "GET", path, "")
	require.Equal(t, 200, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "notification", got["kind"])
	assert.Equal(t, "P7D", got["interval"])
	assert.Equal(t, "42", got["user_id"])
	assert.Equal(t, "Engineer", got["title"])
	assert.NotContains(t, got, "job_id")
	assert.NotContains(t, got, "company")

	rec = doJSON(t, h, "DELETE", path, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, "GET", path, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitTaskValidation(t *testing.T) {
	h := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"unknown kind", `{"kind":"cleanup","interval":"P1D"}`},
		{"missing kind", `{"interval":"P1D"}`},
		{"missing interval", `{"kind":"refresh"}`},
		{"bad interval", `{"kind":"refresh","interval":"every day"}`},
		{"bad json", `{`},
	}
	for _, c := range cases {
		rec := doJSON(t, h, "POST", "/api/tasks", c.body)
		assert.Equal(t, 400, rec.Code, c.name)
	}
}

func TestDeleteUnknownTask(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, "DELETE", "/api/tasks/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, "DELETE", "/api/tasks/abc", "")
	assert.Equal(t, 400, rec.Code)
}

func TestTaskHistoryEndpoint(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, "POST", "/api/tasks", `{"kind":"refresh","interval":"PT1M"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		TaskID int64 `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, h, "GET", "/api/tasks/"+strconv.FormatInt(created.TaskID, 10)+"/history", "")
	require.Equal(t, 200, rec.Code)
	assert.JSONEq(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestHealth(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, "GET", "/health", "")
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}
