package mw

import (
	"log/slog"
	"net/http"
	"time"
)

func AccessLog(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := recorderFor(w)
		start := time.Now()
		next.ServeHTTP(sr, r)

		level := slog.LevelInfo
		if sr.code() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		attrs := []slog.Attr{
			slog.String("rid", RID(r.Context())),
			slog.String("route", RouteName(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr),
			slog.Int("status", sr.code()),
			slog.Int("bytes", sr.bytes),
			slog.Duration("duration", time.Since(start)),
		}
		if sub, ok := Subject(r.Context()); ok {
			attrs = append(attrs, slog.String("sub", sub))
		}
		log.LogAttrs(r.Context(), level, "http_request", attrs...)
	})
}
