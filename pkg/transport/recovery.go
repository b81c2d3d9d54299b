package transport

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rhuss/aufruf/pkg/api"
)

// Recovery returns middleware that catches panics in the handler and
// converts them to a ServiceException response. The server continues to
// accept new requests after a panic is recovered.
func Recovery(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in handler",
						slog.String("request_id", RequestIDFromContext(r.Context())),
						slog.String("path", r.URL.Path),
						slog.Any("panic", rec),
					)
					WriteProtocolError(w, api.NewServiceError(fmt.Sprintf("internal server error: %v", rec)))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
