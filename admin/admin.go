// Package admin exposes the operational HTTP surface of one machine: stats
// snapshots, Prometheus metrics, pprof and a glob-filtered view over the
// local partition's keys.
package admin

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"

	"github.com/ctring/slog/api"
	"github.com/ctring/slog/common"
	"github.com/ctring/slog/storage"
	"github.com/ctring/slog/telemetry"
)

const maxKeysListed = 1000

// StatsFunc fetches a module's stats JSON, typically through a loopback
// client connection.
type StatsFunc func(level uint32, module api.StatsModule) (string, error)

type Handlers struct {
	store storage.Storage
	stats StatsFunc
}

func NewHandlers(store storage.Storage, stats StatsFunc) *Handlers {
	return &Handlers{store: store, stats: stats}
}

// Router builds the admin routes.
func Router(h *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Get("/stats", h.handleStats)
	r.Get("/keys", h.handleKeys)

	if mh := telemetry.Handler(); mh != nil {
		r.Handle("/metrics", mh)
	}

	r.HandleFunc("/debug/pprof/", pprof.Index)
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return r
}

func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	module := api.StatsServer
	if r.URL.Query().Get("module") == "scheduler" {
		module = api.StatsScheduler
	}
	level := uint64(0)
	if lvl := r.URL.Query().Get("level"); lvl != "" {
		var err error
		level, err = strconv.ParseUint(lvl, 10, 32)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid level")
			return
		}
	}

	statsJSON, err := h.stats(uint32(level), module)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(statsJSON))
}

func (h *Handlers) handleKeys(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		pattern = "*"
	}
	matcher, err := glob.Compile(pattern)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pattern")
		return
	}

	type keyInfo struct {
		Value   string `json:"value"`
		Master  uint32 `json:"master"`
		Counter uint32 `json:"counter"`
	}
	keys := make(map[string]keyInfo)
	h.store.Range(func(key common.Key, record common.Record) bool {
		if matcher.Match(key) {
			keys[key] = keyInfo{
				Value:   record.Value,
				Master:  record.Metadata.Master,
				Counter: record.Metadata.Counter,
			}
		}
		return len(keys) < maxKeysListed
	})

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(keys); err != nil {
		log.Error().Err(err).Msg("Failed to encode keys response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
