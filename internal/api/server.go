package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	"github.com/s-Milo-s/dexflow/internal/decoder"
	"github.com/s-Milo-s/dexflow/internal/pipeline"
)

// Dispatcher accepts an out-of-band ingestion job; satisfied by the
// scheduler-side enqueue path so manual triggers run exactly the pipeline
// the scheduler runs.
type Dispatcher interface {
	Dispatch(ctx context.Context, job pipeline.Job) error
}

type Server struct {
	router     *mux.Router
	dispatcher Dispatcher
	started    time.Time
	srv        *http.Server
}

func NewServer(dispatcher Dispatcher) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		dispatcher: dispatcher,
		started:    time.Now(),
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/trigger/ingestion", s.handleTriggerIngestion).Methods(http.MethodPost)

	return s
}

func (s *Server) Handler() http.Handler {
	return rateLimitMiddleware(s.router)
}

func (s *Server) ListenAndServe(port string) error {
	s.srv = &http.Server{
		Addr:         ":" + port,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	log.Printf("[api] listening on :%s", port)
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

// handleTriggerIngestion launches one out-of-band pool ingestion. The pool
// address is checksum-normalized; unknown (chain, dex) combinations and
// malformed inputs are rejected before anything is enqueued.
func (s *Server) handleTriggerIngestion(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	chain := strings.ToLower(strings.TrimSpace(q.Get("chain")))
	dex := strings.ToLower(strings.TrimSpace(q.Get("dex")))
	pair := strings.TrimSpace(q.Get("pair"))
	address := strings.TrimSpace(q.Get("pool_address"))

	if chain == "" || dex == "" || pair == "" || address == "" {
		writeError(w, http.StatusBadRequest, "chain, dex, pair and pool_address are required")
		return
	}
	if !decoder.Supported(chain, dex) {
		writeError(w, http.StatusBadRequest, "unsupported chain/dex combination")
		return
	}
	if !common.IsHexAddress(address) {
		writeError(w, http.StatusBadRequest, "pool_address is not a valid address")
		return
	}
	if !strings.Contains(pair, "/") {
		writeError(w, http.StatusBadRequest, "pair must be BASE/QUOTE")
		return
	}

	daysBack := 1
	if v := q.Get("days_back"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "days_back must be a positive integer")
			return
		}
		daysBack = n
	}

	job := pipeline.Job{
		Chain:    chain,
		Dex:      dex,
		Pair:     pair,
		Address:  common.HexToAddress(address).Hex(), // checksum form
		DaysBack: daysBack,
	}
	if err := s.dispatcher.Dispatch(r.Context(), job); err != nil {
		writeError(w, http.StatusServiceUnavailable, "could not enqueue ingestion")
		return
	}

	log.Printf("[api] triggered ingestion for %s/%s %s", chain, dex, job.Address)
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
