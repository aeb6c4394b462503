// Package status exposes a small HTTP surface for operators: session state,
// per-book health and depth views. Read-only; it never mutates feed state.
package status

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"cexfeed/internal/book"
	"cexfeed/internal/feed"
)

type bookStatus struct {
	Pair    string `json:"pair"`
	Depth   int    `json:"depth"`
	Bids    int    `json:"bidLevels"`
	Asks    int    `json:"askLevels"`
	Updates int64  `json:"updates"`
	Valid   bool   `json:"valid"`
	Created string `json:"created"`
}

type statusResponse struct {
	State     string       `json:"state"`
	Messages  int64        `json:"messages"`
	Queued    int          `json:"queued"`
	Dropped   int64        `json:"dropped"`
	Books     []bookStatus `json:"books"`
	Timestamp int64        `json:"timestamp"`
}

type viewRow struct {
	BidQty   string `json:"bidQty"`
	BidPrice string `json:"bidPrice"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
}

// Server serves the status endpoints.
type Server struct {
	log        *zap.Logger
	registry   *book.Registry
	session    *feed.Session
	dispatcher *feed.Dispatcher
	port       string
}

// NewServer creates a status server over the given feed components.
func NewServer(log *zap.Logger, registry *book.Registry, session *feed.Session, dispatcher *feed.Dispatcher, port string) *Server {
	return &Server{
		log:        log,
		registry:   registry,
		session:    session,
		dispatcher: dispatcher,
		port:       port,
	}
}

// Start blocks serving HTTP on the configured port.
func (s *Server) Start() error {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/book/{base}/{quote}", s.handleBook).Methods(http.MethodGet)

	s.log.Info("status server listening", zap.String("port", s.port))
	return http.ListenAndServe(":"+s.port, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if s.session.State() != feed.Authenticated {
		http.Error(w, s.session.State().String(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		State:     s.session.State().String(),
		Messages:  s.session.MessageCount(),
		Queued:    s.dispatcher.Pending(),
		Dropped:   s.dispatcher.Dropped(),
		Timestamp: time.Now().UnixMilli(),
	}

	for sub := range s.registry.All() {
		ob, ok := s.registry.Lookup(sub.Instrument.Pair())
		if !ok {
			continue
		}
		bids, asks := ob.Levels()
		resp.Books = append(resp.Books, bookStatus{
			Pair:    ob.Pair(),
			Depth:   ob.Depth(),
			Bids:    bids,
			Asks:    asks,
			Updates: ob.UpdateCount(),
			Valid:   ob.IsValid(),
			Created: ob.CreatedAt().Format(time.RFC3339),
		})
	}

	s.writeJSON(w, resp)
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	inst := book.Instrument{Base: vars["base"], Quote: vars["quote"]}

	ob, ok := s.registry.Lookup(inst.Pair())
	if !ok {
		http.Error(w, "unknown pair", http.StatusNotFound)
		return
	}

	rows := ob.SortedView(ob.Depth())
	out := make([]viewRow, len(rows))
	for i, row := range rows {
		out[i] = viewRow{
			BidQty:   row.BidQty.String(),
			BidPrice: row.BidPrice.String(),
			AskPrice: row.AskPrice.String(),
			AskQty:   row.AskQty.String(),
		}
	}
	s.writeJSON(w, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("status response encode failed", zap.Error(err))
	}
}
