package httpserver

import (
	"net/http"
	"time"
)

// New builds the gateway's HTTP server. Protocol messages carry signed
// payloads that peers retry on timeout, so the write timeout stays
// generous enough to cover a nested peer round trip.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
