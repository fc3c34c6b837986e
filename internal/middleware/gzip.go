package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
)

// gzipWriter откладывает заголовки до первой записи тела, чтобы ответы без тела
// (204, 304, 1xx) и пустые ответы уходили без Content-Encoding и без gzip-обёртки.
type gzipWriter struct {
	http.ResponseWriter
	zw      *gzip.Writer
	status  int
	written bool
}

func bodyAllowed(status int) bool {
	return status >= http.StatusOK && status != http.StatusNoContent && status != http.StatusNotModified
}

func (w *gzipWriter) WriteHeader(statusCode int) {
	if w.written || w.status != 0 {
		return
	}
	if !bodyAllowed(statusCode) {
		w.written = true
		w.ResponseWriter.WriteHeader(statusCode)
		return
	}
	w.status = statusCode
}

func (w *gzipWriter) Write(p []byte) (int, error) {
	if !w.written {
		if w.status == 0 {
			w.status = http.StatusOK
		}
		w.written = true
		w.Header().Del("Content-Length")
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		w.ResponseWriter.WriteHeader(w.status)
		w.zw = gzip.NewWriter(w.ResponseWriter)
	}
	if w.zw == nil {
		return w.ResponseWriter.Write(p)
	}
	return w.zw.Write(p)
}

// Close отправляет отложенный статус пустого ответа или дописывает gzip-поток.
func (w *gzipWriter) Close() error {
	if !w.written {
		w.written = true
		if w.status != 0 {
			w.ResponseWriter.WriteHeader(w.status)
		}
		return nil
	}
	if w.zw == nil {
		return nil
	}
	return w.zw.Close()
}

type gzipReader struct {
	r  io.ReadCloser
	zr *gzip.Reader
}

func (r *gzipReader) Read(p []byte) (int, error) {
	return r.zr.Read(p)
}

func (r *gzipReader) Close() error {
	if err := r.r.Close(); err != nil {
		return err
	}
	return r.zr.Close()
}

// GzipMiddleware распаковывает тело запроса с Content-Encoding: gzip
// и сжимает ответ, если клиент принимает gzip.
func GzipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Content-Encoding"), "gzip") {
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				http.Error(w, "invalid gzip body", http.StatusBadRequest)
				return
			}
			r.Body = &gzipReader{r: r.Body, zr: zr}
			r.Header.Del("Content-Encoding")
		}

		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}

		gw := &gzipWriter{ResponseWriter: w}
		defer gw.Close()

		next.ServeHTTP(gw, r)
	})
}
