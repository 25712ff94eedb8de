package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteError(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(rr, 403, "email already signed")
	if rr.Code != 403 {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad json: %v", err)
	}
	if body["ok"] != false || body["error"] != "email already signed" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestReadJSONRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1,"b":2}`))
	var dst struct {
		A int `json:"a"`
	}
	if err := ReadJSON(req, &dst); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestRequestIDPreservesIncoming(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(RequestIDHeader)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req_upstream")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if seen != "req_upstream" || rr.Header().Get(RequestIDHeader) != "req_upstream" {
		t.Fatalf("expected upstream id to be kept, got %q", seen)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if !strings.HasPrefix(rr.Header().Get(RequestIDHeader), "req_") {
		t.Fatalf("expected generated id, got %q", rr.Header().Get(RequestIDHeader))
	}
}
