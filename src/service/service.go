// Package service exposes the node's read-only status surface over HTTP.
package service

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/agentworld/agentworld/src/node"
)

// defaultRecentMints bounds the mint-record tail in the balances payload when
// the request does not ask for a specific count.
const defaultRecentMints = 20

// Service serves /healthz, /v1/chain/status, and /v1/chain/balances. Every
// payload is a point-in-time snapshot taken under the node's runtime lock;
// expected failures are reported in payloads, never as 500s.
type Service struct {
	sync.Mutex

	bindAddress string
	node        *node.Node
	logger      *logrus.Entry
	mux         *http.ServeMux
	server      *http.Server
}

// NewService builds the status service around a node runtime.
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := &Service{
		bindAddress: bindAddress,
		node:        n,
		logger:      logger,
		mux:         http.NewServeMux(),
	}

	service.registerHandlers()

	return service
}

func (s *Service) registerHandlers() {
	s.logger.Debug("Registering status API handlers")
	s.mux.HandleFunc("/healthz", s.makeHandler(s.GetHealth))
	s.mux.HandleFunc("/v1/chain/status", s.makeHandler(s.GetStatus))
	s.mux.HandleFunc("/v1/chain/balances", s.makeHandler(s.GetBalances))
	s.mux.HandleFunc("/", s.makeHandler(s.notFound))
}

// makeHandler enforces the GET/HEAD-only contract and serializes access.
func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			s.writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}

		s.Lock()
		defer s.Unlock()

		fn(w, r)
	}
}

// Handler exposes the route table, for embedding and for tests.
func (s *Service) Handler() http.Handler {
	return s.mux
}

// Serve blocks on ListenAndServe until Close.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving status API")

	s.Lock()
	s.server = &http.Server{Addr: s.bindAddress, Handler: s.mux}
	server := s.server
	s.Unlock()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error(err)
	}
}

// Close stops the listener.
func (s *Service) Close() {
	s.Lock()
	server := s.server
	s.Unlock()
	if server != nil {
		server.Close()
	}
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.WithError(err).Error("Encoding status payload")
		body = []byte(`{"error":"encoding failed"}`)
		status = http.StatusInternalServerError
	}
	body = append(body, '\n')

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Connection", "close")
	w.WriteHeader(status)
	w.Write(body)
}

// GetHealth answers the liveness probe.
func (s *Service) GetHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// GetStatus returns the runtime snapshot.
func (s *Service) GetStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.node.Status())
}

// GetBalances returns the resource and reward ledgers. The recent query
// parameter bounds the mint-record tail.
func (s *Service) GetBalances(w http.ResponseWriter, r *http.Request) {
	recent := defaultRecentMints
	if raw := r.URL.Query().Get("recent"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "recent must be a non-negative integer"})
			return
		}
		recent = parsed
	}
	s.writeJSON(w, http.StatusOK, s.node.Balances(recent))
}

func (s *Service) notFound(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
}
