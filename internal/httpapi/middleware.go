package httpapi

import (
	"net/http"
	"os"

	ghandlers "github.com/gorilla/handlers"
)

// corsMiddleware allows the bundled web control UI to be served from a
// different origin than the API itself during development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Add("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept")
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware wraps every request in Apache Common Log Format via
// gorilla/handlers, writing to stdout.
func loggingMiddleware(next http.Handler) http.Handler {
	return ghandlers.LoggingHandler(os.Stdout, next)
}
