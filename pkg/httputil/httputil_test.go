package httputil

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, WriteJSON(rec, 201, map[string]string{"id": "x-1"}))

	assert.Equal(t, 201, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "x-1", body["id"])
}

func TestWriteErrorCode(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorCode(rec, 403, "sso_disabled")

	assert.Equal(t, 403, rec.Code)
	assert.JSONEq(t, `{"error":"sso_disabled"}`, rec.Body.String())
}

func TestWriteTooManyRequests(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteTooManyRequests(rec, 30)

	assert.Equal(t, 429, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestDecodeJSON(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"jdoe"}`))
	var dest struct {
		Name string `json:"name"`
	}
	require.NoError(t, DecodeJSON(req, &dest))
	assert.Equal(t, "jdoe", dest.Name)

	req = httptest.NewRequest("POST", "/", strings.NewReader(`{broken`))
	assert.Error(t, DecodeJSON(req, &dest))
}

func TestDecodeJSONBodyTooLarge(t *testing.T) {
	big := bytes.Repeat([]byte("a"), maxBodySize+1)
	req := httptest.NewRequest("POST", "/", bytes.NewReader(append([]byte(`{"name":"`), append(big, []byte(`"}`)...)...)))

	var dest struct {
		Name string `json:"name"`
	}
	assert.Error(t, DecodeJSON(req, &dest))
}

func TestParseQueryInt(t *testing.T) {
	req := httptest.NewRequest("GET", "/?count=25", nil)

	val, err := ParseQueryInt(req, "count", 10)
	require.NoError(t, err)
	assert.Equal(t, 25, val)

	val, err = ParseQueryInt(req, "missing", 10)
	require.NoError(t, err)
	assert.Equal(t, 10, val)

	req = httptest.NewRequest("GET", "/?count=abc", nil)
	_, err = ParseQueryInt(req, "count", 10)
	assert.Error(t, err)
}

func TestParseQueryBool(t *testing.T) {
	req := httptest.NewRequest("GET", "/?active=true", nil)

	val, err := ParseQueryBool(req, "active", false)
	require.NoError(t, err)
	assert.True(t, val)

	val, err = ParseQueryBool(req, "missing", true)
	require.NoError(t, err)
	assert.True(t, val)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:52310"
	assert.Equal(t, "10.0.0.1", ClientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", ClientIP(req))
}
