package httputil

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestOkJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	OkJSON(rec, map[string]bool{"running": true})

	if rec.Code != 200 {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("content type = %q", ct)
	}

	var body map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if !body["running"] {
		t.Error("payload lost")
	}
}

func TestAccepted(t *testing.T) {
	rec := httptest.NewRecorder()
	Accepted(rec, map[string]string{"action": "check"})
	if rec.Code != 202 {
		t.Errorf("status = %d, want 202", rec.Code)
	}
}

func TestErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	Conflict(rec, "loop is not running")

	if rec.Code != 409 {
		t.Errorf("status = %d, want 409", rec.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if body.Code != 409 || body.Message != "loop is not running" {
		t.Errorf("envelope = %+v", body)
	}
}

func TestErrorDefaults(t *testing.T) {
	cases := []struct {
		name string
		fn   func(rec *httptest.ResponseRecorder)
		code int
	}{
		{"bad request", func(rec *httptest.ResponseRecorder) { BadRequest(rec, "") }, 400},
		{"conflict", func(rec *httptest.ResponseRecorder) { Conflict(rec, "") }, 409},
		{"not found", func(rec *httptest.ResponseRecorder) { NotFound(rec, "") }, 404},
		{"internal", func(rec *httptest.ResponseRecorder) { InternalError(rec, "") }, 500},
	}

	for _, tc := range cases {
		rec := httptest.NewRecorder()
		tc.fn(rec)
		if rec.Code != tc.code {
			t.Errorf("%s: status = %d, want %d", tc.name, rec.Code, tc.code)
		}
		var body ErrorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: bad body: %v", tc.name, err)
		}
		if body.Message == "" {
			t.Errorf("%s: empty default message", tc.name)
		}
	}
}

func TestQueryInt(t *testing.T) {
	r := httptest.NewRequest("GET", "/history?limit=25&bad=x", nil)

	if got := QueryInt(r, "limit", 100); got != 25 {
		t.Errorf("limit = %d, want 25", got)
	}
	if got := QueryInt(r, "missing", 100); got != 100 {
		t.Errorf("missing = %d, want default 100", got)
	}
	if got := QueryInt(r, "bad", 100); got != 100 {
		t.Errorf("bad = %d, want default 100", got)
	}
}
