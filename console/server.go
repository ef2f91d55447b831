// Package console provides a small web UI for inspecting live engine state:
// the tracked calls, the registered accounts and the audio focus.
package console

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/sprucehealth/telecore/account"
	"github.com/sprucehealth/telecore/engine"
)

// Server serves read-only JSON views of orchestrator and registrar state
type Server struct {
	Addr      string
	orch      *engine.Orchestrator
	registrar *account.Registrar
	log       logrus.FieldLogger
	server    *http.Server
}

// NewServer creates a console server
func NewServer(orch *engine.Orchestrator, registrar *account.Registrar, addr string, log logrus.FieldLogger) *Server {
	if addr == "" {
		addr = ":8089"
	}
	s := &Server{
		Addr:      addr,
		orch:      orch,
		registrar: registrar,
		log:       log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/calls", s.handleCalls)
	mux.HandleFunc("/api/accounts", s.handleAccounts)
	mux.HandleFunc("/api/audio", s.handleAudio)

	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// Start starts the console server
func (s *Server) Start() error {
	s.log.WithField("addr", s.Addr).Info("console running")
	return s.server.ListenAndServe()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := s.orch.Calls()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	fg, err := s.orch.ForegroundCall()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	type callView struct {
		ID         engine.CallID `json:"id"`
		State      string        `json:"state"`
		Direction  string        `json:"direction"`
		Address    string        `json:"address"`
		Foreground bool          `json:"foreground"`
	}
	views := make([]callView, 0, len(calls))
	for _, c := range calls {
		views = append(views, callView{
			ID:         c.ID(),
			State:      string(c.State()),
			Direction:  string(c.Direction()),
			Address:    c.Address(),
			Foreground: c == fg,
		})
	}
	writeJSON(w, views)
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := s.registrar.Accounts()
	sort.SliceStable(accounts, func(i, j int) bool {
		return accounts[i].Handle.Key() < accounts[j].Handle.Key()
	})
	writeJSON(w, accounts)
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	state, err := s.orch.AudioState()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, state)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
