package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// echoTransaction возвращает тело запроса как ответ с тем же Content-Type.
func echoTransaction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

func compress(t *testing.T, s string) io.Reader {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(s)); err != nil {
		t.Fatalf("write gzip: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return &buf
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()

	var r io.Reader = res.Body
	if res.Header.Get("Content-Encoding") == "gzip" {
		gr, err := gzip.NewReader(res.Body)
		if err != nil {
			t.Fatalf("new gzip reader: %v", err)
		}
		defer gr.Close()
		r = gr
	}
	body, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestGzipMiddleware(t *testing.T) {
	const payload = `{"type":"credit","amount":"125.50"}`

	tests := []struct {
		name           string
		compressBody   bool
		acceptEncoding string
		wantEncoding   string
	}{
		{name: "plain in plain out", wantEncoding: ""},
		{name: "plain in gzip out", acceptEncoding: "gzip, deflate", wantEncoding: "gzip"},
		{name: "gzip in plain out", compressBody: true, wantEncoding: ""},
		{name: "gzip in gzip out", compressBody: true, acceptEncoding: "gzip", wantEncoding: "gzip"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader = strings.NewReader(payload)
			if tt.compressBody {
				body = compress(t, payload)
			}

			req := httptest.NewRequest(http.MethodPost, "/api/transactions", body)
			req.Header.Set("Content-Type", "application/json")
			if tt.compressBody {
				req.Header.Set("Content-Encoding", "gzip")
			}
			if tt.acceptEncoding != "" {
				req.Header.Set("Accept-Encoding", tt.acceptEncoding)
			}

			w := httptest.NewRecorder()
			GzipMiddleware(http.HandlerFunc(echoTransaction)).ServeHTTP(w, req)

			res := w.Result()
			defer res.Body.Close()

			if res.StatusCode != http.StatusCreated {
				t.Fatalf("status: got %d want %d", res.StatusCode, http.StatusCreated)
			}
			if ce := res.Header.Get("Content-Encoding"); ce != tt.wantEncoding {
				t.Fatalf("content-encoding: got %q want %q", ce, tt.wantEncoding)
			}
			if ct := res.Header.Get("Content-Type"); ct != "application/json" {
				t.Fatalf("content-type: got %q", ct)
			}
			if got := readBody(t, res); got != payload {
				t.Fatalf("body: got %q want %q", got, payload)
			}
		})
	}
}

func TestGzipMiddleware_BrokenBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/transactions", strings.NewReader("not gzip"))
	req.Header.Set("Content-Encoding", "gzip")

	called := false
	h := GzipMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d want %d", w.Code, http.StatusBadRequest)
	}
	if called {
		t.Fatal("next handler must not be called for a broken body")
	}
}

func TestGzipMiddleware_ResponsesWithoutBody(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{name: "no content", status: http.StatusNoContent},
		{name: "not modified", status: http.StatusNotModified},
		{name: "empty ok", status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/logout", nil)
			req.Header.Set("Accept-Encoding", "gzip")
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Fatalf("status: got %d want %d", w.Code, tt.status)
			}
			if ce := w.Header().Get("Content-Encoding"); ce != "" {
				t.Fatalf("content-encoding: got %q want none", ce)
			}
			if w.Body.Len() != 0 {
				t.Fatalf("body: got %d bytes want 0", w.Body.Len())
			}
		})
	}
}
