package app

import (
	"encoding/json"
	"net/http"

	"rtchat/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerHTTP mounts the read-only query surface next to the websocket
// gateway. The snapshot endpoints read the shared state only through the
// Bus, never touching it directly.
func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	bus *realtime.Bus,
	ws *realtime.WSGateway,
	reg *prometheus.Registry,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.HandleFunc("GET /api/messages", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, log, bus.HistorySnapshot())
	})

	mux.HandleFunc("GET /api/users", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, log, bus.PresenceSnapshot())
	})

	mux.HandleFunc("GET /api/typing", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, log, bus.TypingSnapshot())
	})

	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	mux.HandleFunc("/ws", ws.HandleWS)
}

func respondJSON(w http.ResponseWriter, log Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("http.encode.fail", "err", err)
	}
}
