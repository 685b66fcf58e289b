package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCorrelationID_GeneratesAndEchoes(t *testing.T) {
	var seen string
	handler := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))

	if seen == "" {
		t.Fatal("handler should see a generated correlation id")
	}
	if got := rec.Header().Get(CorrelationIDHeader); got != seen {
		t.Errorf("response header %q, want %q", got, seen)
	}
	if len(seen) != 26 {
		t.Errorf("generated id %q is not a ULID", seen)
	}
}

func TestCorrelationID_ReusesIncoming(t *testing.T) {
	var seen string
	handler := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/x", nil)
	req.Header.Set(CorrelationIDHeader, "upstream-id")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "upstream-id" {
		t.Errorf("incoming id should be reused, got %q", seen)
	}
}

func TestSetOrigin_VisibleToLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The auth layer runs inside the logger and annotates the request.
		SetOrigin(r.Context(), "remote.test")
		w.WriteHeader(http.StatusOK)
	})
	handler := CorrelationID(TracingLogger(logger)(inner))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("PUT", "/_matrix/federation/v1/send/t1", nil))

	out := buf.String()
	if !strings.Contains(out, `"origin":"remote.test"`) {
		t.Errorf("log entry missing annotated origin: %s", out)
	}
	if !strings.Contains(out, `"trace_id"`) {
		t.Errorf("log entry missing trace id: %s", out)
	}
}

func TestTracingLogger_LevelsByStatus(t *testing.T) {
	run := func(status int) string {
		var buf bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&buf, nil))
		handler := CorrelationID(TracingLogger(logger)(http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
				w.Write([]byte("body"))
			})))
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/x", nil))
		return buf.String()
	}

	if out := run(http.StatusOK); !strings.Contains(out, `"level":"INFO"`) {
		t.Errorf("200 should log at info: %s", out)
	}
	if out := run(http.StatusForbidden); !strings.Contains(out, `"level":"WARN"`) {
		t.Errorf("403 should log at warn: %s", out)
	}
	if out := run(http.StatusInternalServerError); !strings.Contains(out, `"level":"ERROR"`) {
		t.Errorf("500 should log at error: %s", out)
	}

	if out := run(http.StatusOK); !strings.Contains(out, `"bytes":4`) {
		t.Errorf("logger should capture bytes written: %s", out)
	}
}
