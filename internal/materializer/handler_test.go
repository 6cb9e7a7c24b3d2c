package materializer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMux(t *testing.T) (*http.ServeMux, *fixture, *memRuns) {
	t.Helper()
	f := newFixture(t)
	runs := &memRuns{}
	f.m.runs = runs
	f.m.cfg.RecordRuns = true
	mux := http.NewServeMux()
	NewHandler(NewScheduler(f.m, time.Minute, time.Hour), runs, f.cache, time.Hour).Register(mux)
	return mux, f, runs
}

func TestTriggerEndpoint(t *testing.T) {
	mux, f, runs := newTestMux(t)
	f.write(t, "a.parquet", ev("driver_1", t1, 1, map[string]any{"lat": 10.0}))

	body := `{"feature_group":"driver_status","start":"2026-10-18T09:00:00Z","end":"2026-10-18T10:00:00Z"}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/materialize", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Runs []struct {
			Group   string `json:"feature_group"`
			Written int    `json:"written"`
			Status  string `json:"status"`
		} `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Runs, 1)
	assert.Equal(t, "driver_status", resp.Runs[0].Group)
	assert.Equal(t, 1, resp.Runs[0].Written)
	assert.Equal(t, StatusSucceeded, resp.Runs[0].Status)
	assert.Len(t, runs.runs, 1)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/materialize/runs?feature_group=driver_status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"succeeded"`)
}

func TestTriggerEndpointValidation(t *testing.T) {
	mux, _, _ := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/materialize", strings.NewReader(`{"feature_group":"nope"}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/materialize",
		strings.NewReader(`{"start":"2026-10-18T10:00:00Z","end":"2026-10-18T09:00:00Z"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/materialize/runs?limit=0", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvalidateEndpoint(t *testing.T) {
	mux, f, _ := newTestMux(t)
	f.write(t, "a.parquet", ev("driver_1", t1, 1, map[string]any{"lat": 10.0}))
	_, err := f.m.Materialize(t.Context(), "driver_status", hour())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/cache/invalidate?feature_group=driver_status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.mr.Exists("driver_1:driver_status"))
}
