/*
Package logx provides a structured logging wrapper based on zerolog.

This file contains the HTTP request logging middleware. Client addresses are anonymized
before they reach the log stream.
*/
package logx

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// AnonymizeIP keeps the /24 of an IPv4 address or the /64 of an IPv6 address. addr may carry
// a port.
func AnonymizeIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}

	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return "unknown_ip"
	}
	ip = ip.Unmap()

	if ip.IsLoopback() {
		return "127.0.0.1"
	}

	bits := 64
	if ip.Is4() {
		bits = 24
	}
	prefix, err := ip.Prefix(bits)
	if err != nil {
		return "unknown_ip"
	}
	return prefix.Addr().String()
}

// isUpgrade reports whether the request asks for a WebSocket upgrade.
func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// RequestLogger logs every request once it completes, at a level chosen by status. The
// request-scoped logger is stored in the context for zerolog.Ctx. WebSocket upgrades are
// logged when they start because a hijacked connection never completes a response.
func RequestLogger() func(next http.Handler) http.Handler {
	baseLogger := Logger()

	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			requestID := middleware.GetReqID(r.Context())

			logger := baseLogger.With().
				Str("component", "http").
				Str("request_id", requestID).
				Str("remote_ip", AnonymizeIP(r.RemoteAddr)).
				Str("request_method", r.Method).
				Str("request_path", r.URL.Path).
				Logger()

			r = r.WithContext(logger.WithContext(r.Context()))

			if isUpgrade(r) {
				logger.Info().Msg("WebSocket upgrade requested")
				next.ServeHTTP(w, r)
				return
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			logger.WithLevel(statusLevel(status)).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("latency", time.Since(start)).
				Msg("Request completed")
		}

		return http.HandlerFunc(fn)
	}
}

func statusLevel(status int) zerolog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zerolog.ErrorLevel
	case status >= http.StatusBadRequest:
		return zerolog.WarnLevel
	}
	return zerolog.InfoLevel
}
