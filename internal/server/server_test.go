package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/handler"
	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/store/sqlite"
)

func testServer(t *testing.T) (*Server, *sqlite.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "watcher.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return &Server{Store: st}, st
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNotificationRejectsMalformedEnvelope(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/notifications", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/notifications", map[string]any{
		"message": map[string]any{"data": "not base64!!"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	empty := base64.StdEncoding.EncodeToString([]byte(`{}`))
	rec = doJSON(t, router, http.MethodPost, "/notifications", map[string]any{
		"message": map[string]any{"data": empty},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlersRoundTripOverHTTP(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.Router()

	docs := []handler.Document{{
		Name:            "invoices",
		FilterCondition: map[string]any{"subject": map[string]any{"contains": "Invoice"}},
		Actions:         []handler.ActionDocument{{Kind: handler.KindPublishEvent}},
	}}
	rec := doJSON(t, router, http.MethodPut, "/users/user@example.com/handlers", docs)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodGet, "/users/user@example.com/handlers", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got []handler.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "invoices", got[0].Name)
}

func TestReplaceHandlersValidation(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPut, "/users/u@example.com/handlers", []handler.Document{{
		FilterCondition: map[string]any{},
	}})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "handler without a name")

	rec = doJSON(t, router, http.MethodPut, "/users/u@example.com/handlers", []handler.Document{{
		Name:            "bad-condition",
		FilterCondition: map[string]any{"operator": "XOR", "conditions": []any{}},
	}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPut, "/users/u@example.com/handlers", []handler.Document{{
		Name:            "bad-kind",
		FilterCondition: map[string]any{},
		Actions:         []handler.ActionDocument{{Kind: "teleport"}},
	}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "teleport")
}

func TestReplaceHandlersAcceptsEveryBuiltinKind(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.Router()

	for _, kind := range handler.BuiltinKinds {
		rec := doJSON(t, router, http.MethodPut, "/users/u@example.com/handlers", []handler.Document{{
			Name:            "uses-" + kind,
			FilterCondition: map[string]any{},
			Actions:         []handler.ActionDocument{{Kind: kind}},
		}})
		assert.Equal(t, http.StatusOK, rec.Code, kind)
	}
}

func TestListHandlersEmptyArrayForUnknownPrincipal(t *testing.T) {
	srv, _ := testServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/users/nobody@example.com/handlers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}
