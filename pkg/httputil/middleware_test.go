package httputil

import (
	"io"
	"net/http"

	"github.com/nimbuscrm/identity/pkg/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func testHandler(requestID *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*requestID = observability.GetRequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}
