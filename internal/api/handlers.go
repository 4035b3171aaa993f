package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/whatsapp-automation/bridge/internal/journal"
	"github.com/whatsapp-automation/bridge/internal/session"
)

// Error messages returned to the panel.
const (
	msgMissingTokenFields = "Envie { numero, token }."
	msgMissingNumero      = "Faltou ?numero=..."
	msgNotOnline          = "Ainda não logado ou QR não escaneado."
	msgInvalidNumero      = "numero inválido: use apenas letras, dígitos, '-' ou '_'."
)

// ReconnectStats reports consecutive reconnect failures per tenant.
type ReconnectStats interface {
	Failures() map[string]int
}

// Server is the control API used by the panel.
type Server struct {
	sessions  *session.Manager
	journal   *journal.Journal
	reconnect ReconnectStats
	log       *zap.Logger
	startedAt time.Time
}

// NewServer creates a new API server
func NewServer(sessions *session.Manager, j *journal.Journal, reconnect ReconnectStats, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if j == nil {
		j = journal.New(0, 0)
	}
	return &Server{
		sessions:  sessions,
		journal:   j,
		reconnect: reconnect,
		log:       log.Named("api"),
		startedAt: time.Now(),
	}
}

// RegisterRoutes registers HTTP routes
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/receive-token", s.handleReceiveToken).Methods(http.MethodPost)
	api.HandleFunc("/whatsapp-qr", s.handleQR).Methods(http.MethodGet)
	api.HandleFunc("/whatsapp-status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/me", s.handleMe).Methods(http.MethodGet)
	api.HandleFunc("/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	api.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	api.HandleFunc("/messages", s.handleMessages).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// numero reads the required tenant query parameter, answering 400 itself
// when it is missing.
func numero(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.URL.Query().Get("numero"))
	if id == "" {
		writeError(w, http.StatusBadRequest, msgMissingNumero)
		return "", false
	}
	return id, true
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	online := 0
	list := s.sessions.List()
	for _, snap := range list {
		if snap.Online {
			online++
		}
	}
	body := map[string]interface{}{
		"healthy":  true,
		"sessions": len(list),
		"online":   online,
		"messages": s.journal.Count(),
		"uptime":   time.Since(s.startedAt).Round(time.Second).String(),
	}
	if at, ok := s.journal.LastAt(); ok {
		body["last_message_at"] = at
	}
	if s.reconnect != nil {
		body["reconnect_failures"] = s.reconnect.Failures()
	}
	writeJSON(w, http.StatusOK, body)
}

// POST /api/receive-token
func (s *Server) handleReceiveToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Numero string `json:"numero"`
		Token  string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, msgMissingTokenFields)
		return
	}
	req.Numero = strings.TrimSpace(req.Numero)
	req.Token = strings.TrimSpace(req.Token)
	if req.Numero == "" || req.Token == "" {
		writeError(w, http.StatusBadRequest, msgMissingTokenFields)
		return
	}

	created, err := s.sessions.BindCredential(r.Context(), req.Numero, req.Token)
	if errors.Is(err, session.ErrInvalidTenant) {
		writeError(w, http.StatusBadRequest, msgInvalidNumero)
		return
	}
	if err != nil {
		s.log.Error("failed to bind token", zap.String("tenant", req.Numero), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if created {
		s.log.Info("created session from panel login", zap.String("tenant", req.Numero))
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GET /api/whatsapp-qr?numero=
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	id, ok := numero(w, r)
	if !ok {
		return
	}
	var qr *string
	if sess, found := s.sessions.Get(id); found {
		if c := sess.Snapshot().Challenge; c != "" {
			qr = &c
		}
	}
	writeJSON(w, http.StatusOK, map[string]*string{"qr": qr})
}

// GET /api/whatsapp-status?numero=
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := numero(w, r)
	if !ok {
		return
	}
	online := false
	if sess, found := s.sessions.Get(id); found {
		online = sess.Snapshot().Online
	}
	writeJSON(w, http.StatusOK, map[string]bool{"online": online})
}

// GET /api/me?numero=
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id, ok := numero(w, r)
	if !ok {
		return
	}
	sess, found := s.sessions.Get(id)
	if !found {
		writeError(w, http.StatusNotFound, msgNotOnline)
		return
	}
	snap := sess.Snapshot()
	if !snap.Online {
		writeError(w, http.StatusNotFound, msgNotOnline)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"numero": snap.Identity})
}

// POST /api/disconnect {numero}
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Numero string `json:"numero"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Numero) == "" {
		writeError(w, http.StatusBadRequest, msgMissingNumero)
		return
	}
	id := strings.TrimSpace(req.Numero)
	if !s.sessions.Remove(id) {
		writeError(w, http.StatusNotFound, session.ErrNotFound.Error())
		return
	}
	s.journal.Forget(id)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GET /api/sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	list := s.sessions.List()
	for i := range list {
		list[i].Challenge = ""
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": list,
		"count":    len(list),
	})
}

// GET /api/messages?numero=&limit=
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	var entries []journal.Entry
	if id := strings.TrimSpace(r.URL.Query().Get("numero")); id != "" {
		entries = s.journal.ForTenant(id, limit)
	} else {
		entries = s.journal.Recent(limit)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": entries,
		"count":    len(entries),
	})
}
