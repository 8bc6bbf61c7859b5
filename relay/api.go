package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itskum47/relay/relay/auth"
	"github.com/itskum47/relay/relay/channels"
	"github.com/itskum47/relay/relay/middleware"
	"github.com/itskum47/relay/relay/observability"
	"github.com/itskum47/relay/relay/resilience"
	"github.com/itskum47/relay/relay/store"
)

type API struct {
	store     store.LogStore
	readiness *resilience.Readiness
	registry  *channels.Registry
	publisher *channels.Publisher
	metrics   *observability.Aggregator
	hub       *ConnectionHub
	gate      *auth.Gate

	// Per-connection publish storm protection
	publishRate  float64
	publishBurst int
	sendBuffer   int

	allowedOrigins []string
	startedAt      time.Time
}

type APIOptions struct {
	PublishRate    float64
	PublishBurst   int
	SendBuffer     int
	AllowedOrigins []string
}

func NewAPI(s store.LogStore, readiness *resilience.Readiness, registry *channels.Registry, publisher *channels.Publisher, metrics *observability.Aggregator, hub *ConnectionHub, gate *auth.Gate, opts APIOptions) *API {
	return &API{
		store:        s,
		readiness:    readiness,
		registry:     registry,
		publisher:    publisher,
		metrics:      metrics,
		hub:          hub,
		gate:         gate,
		publishRate:  opts.PublishRate,
		publishBurst: opts.PublishBurst,
		sendBuffer:   opts.SendBuffer,

		allowedOrigins: opts.AllowedOrigins,
		startedAt:      time.Now(),
	}
}

// Routes wires every endpoint onto a fresh mux wrapped in CORS.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", a.handleRoot)
	mux.HandleFunc("/ws", a.handleStream)
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/ready", a.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/api/channels", middleware.AuthMiddleware(a.gate)(http.HandlerFunc(a.handleChannels)))

	return middleware.CORSMiddleware(a.allowedOrigins)(mux)
}

// handleRoot serves WebSocket upgrades on "/" for clients that connect to the bare host.
func (a *API) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	a.handleStream(w, r)
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type readyResponse struct {
	Ready    bool                               `json:"ready"`
	Sessions map[string]resilience.SessionState `json:"sessions"`
	Clients  int                                `json:"clients"`
	Uptime   string                             `json:"uptime"`
}

func (a *API) handleReady(w http.ResponseWriter, _ *http.Request) {
	resp := readyResponse{
		Ready:    a.store.Ready(),
		Sessions: a.readiness.HealthCheck(),
		Clients:  a.hub.ClientCount(),
		Uptime:   time.Since(a.startedAt).Round(time.Second).String(),
	}

	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

func (a *API) handleChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"channels": a.registry.Stats(),
		"metrics":  a.metrics.Peek(),
	})
}
