package cli

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	l, err := openLedger(t.Context(), &RootOptions{
		Database: filepath.Join(t.TempDir(), "ledger.db"),
		Blobs:    "memory",
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	srv := httptest.NewServer(newHandler(l))
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func TestHandlerSubmitAndRead(t *testing.T) {
	srv := newTestServer(t)

	status, body := doRequest(t, http.MethodPost, srv.URL+"/forms", payloadA)
	require.Equal(t, http.StatusCreated, status, body)
	var submitted struct {
		Data SubmitOutput `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &submitted))
	assert.Equal(t, "normal", submitted.Data.Outcome)
	assert.Equal(t, "a", submitted.Data.FormID)

	status, body = doRequest(t, http.MethodPost, srv.URL+"/forms", payloadA)
	require.Equal(t, http.StatusOK, status, body)
	assert.Contains(t, body, `"outcome":"duplicate"`)

	status, body = doRequest(t, http.MethodGet, srv.URL+"/cases/c1", "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "X", decodeData(t, body)["name"])

	status, body = doRequest(t, http.MethodGet, srv.URL+"/forms/a", "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "normal", decodeData(t, body)["state"])
}

func TestHandlerErrors(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"missing form", http.MethodGet, "/forms/missing", "", http.StatusNotFound, "FORM_NOT_FOUND"},
		{"missing case", http.MethodGet, "/cases/missing", "", http.StatusNotFound, "CASE_NOT_FOUND"},
		{"bad payload", http.MethodPost, "/forms", `{"form_id":`, http.StatusBadRequest, ErrCodeInvalid},
		{"missing fields", http.MethodPost, "/forms", `{"form_id":"a"}`, http.StatusBadRequest, ErrCodeInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := doRequest(t, tt.method, srv.URL+tt.path, tt.body)
			assert.Equal(t, tt.status, status, body)

			var resp CLIResponse
			require.NoError(t, json.Unmarshal([]byte(body), &resp))
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}

	status, _ := doRequest(t, http.MethodDelete, srv.URL+"/forms/a", "")
	assert.Equal(t, http.StatusMethodNotAllowed, status)
}

func TestHandlerStoreFailureIsServerError(t *testing.T) {
	l, err := openLedger(t.Context(), &RootOptions{
		Database: filepath.Join(t.TempDir(), "ledger.db"),
		Blobs:    "memory",
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	srv := httptest.NewServer(newHandler(l))
	t.Cleanup(srv.Close)

	require.NoError(t, l.store.Close())

	status, body := doRequest(t, http.MethodPost, srv.URL+"/forms", payloadA)
	assert.Equal(t, http.StatusInternalServerError, status, body)
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeGeneric, resp.Error.Code)
}

func TestHandlerMetrics(t *testing.T) {
	srv := newTestServer(t)

	status, _ := doRequest(t, http.MethodPost, srv.URL+"/forms", payloadA)
	require.Equal(t, http.StatusCreated, status)

	status, body := doRequest(t, http.MethodGet, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "caseledger_submissions_total")
	assert.Contains(t, body, `outcome="normal"`)
}
