package main

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.statusCode == 0 {
		lrw.statusCode = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

// Hijack is required by the websocket upgrader.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func colorStatus(code int) string {
	switch {
	case code >= 100 && code < 200:
		return colorBlue + strconv.Itoa(code) + colorReset
	case code >= 200 && code < 300:
		return colorGreen + strconv.Itoa(code) + colorReset
	case code >= 300 && code < 400:
		return colorMagenta + strconv.Itoa(code) + colorReset
	case code >= 400 && code < 500:
		return colorYellow + strconv.Itoa(code) + colorReset
	default:
		return colorRed + strconv.Itoa(code) + colorReset
	}
}

func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lrw, r)

		logger.WithFields(logrus.Fields{
			"remote":   colorCyan + r.RemoteAddr + colorReset,
			"status":   colorStatus(lrw.statusCode),
			"size":     colorWhite + strconv.Itoa(lrw.size) + colorReset,
			"duration": time.Since(start),
		}).Infof("%s %s%s%s %s", r.Method, colorYellow, r.URL.RequestURI(), colorReset, r.Proto)
	})
}
