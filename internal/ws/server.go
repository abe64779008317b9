package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/tote-system/whatsapp-gateway/internal/dispatch"
	"github.com/tote-system/whatsapp-gateway/internal/health"
	"github.com/tote-system/whatsapp-gateway/internal/instance"
	"github.com/tote-system/whatsapp-gateway/internal/session"
	"github.com/tote-system/whatsapp-gateway/internal/store"
	"github.com/tote-system/whatsapp-gateway/internal/transport"
)

// InstanceAPI is the instance lifecycle surface exposed over HTTP.
type InstanceAPI interface {
	Initialize(ctx context.Context, id, name string) (string, error)
	QR(id string) (string, error)
	Status(id string) (string, error)
	List() ([]store.InstanceRecord, error)
	Disconnect(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher is the outbound send surface exposed over HTTP.
type Dispatcher interface {
	SendText(ctx context.Context, id, recipient, text string) (transport.Receipt, error)
	SendAttachment(ctx context.Context, id, recipient string, att transport.Attachment, caption string) (transport.Receipt, error)
	Broadcast(ctx context.Context, id string, recipients []string, payload dispatch.Payload) dispatch.BroadcastResult
	CheckRecipientExists(ctx context.Context, id, recipient string) bool
}

type Server struct {
	instances      InstanceAPI
	dispatcher     Dispatcher
	broadcaster    *Broadcaster
	healthReader   *health.Reader
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
}

func NewServer(instances InstanceAPI, dispatcher Dispatcher, broadcaster *Broadcaster, healthReader *health.Reader, allowedOrigins []string, authToken string) *Server {
	s := &Server{
		instances:      instances,
		dispatcher:     dispatcher,
		broadcaster:    broadcaster,
		healthReader:   healthReader,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      authToken,
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/instances", s.handleInstances)
	mux.HandleFunc("/api/instances/", s.handleInstanceRoutes)
	mux.HandleFunc("/api/health", s.handleHealth)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	log.Printf("WebSocket client connected: %s", r.RemoteAddr)
	c := s.broadcaster.AddClient(conn)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			log.Printf("WebSocket client disconnected: %s", r.RemoteAddr)
		}()
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		recs, err := s.instances.List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, recs)

	case http.MethodPost:
		var req struct {
			InstanceID string `json:"instanceId"`
			Name       string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("parsing request: %w", err))
			return
		}
		id, err := s.instances.Initialize(r.Context(), req.InstanceID, req.Name)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, instance.ErrInvalidInstanceID) {
				status = http.StatusBadRequest
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"instanceId": id})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleInstanceRoutes dispatches /api/instances/{id}[/{action}].
func (s *Server) handleInstanceRoutes(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// r.URL.Path is already percent-decoded; decoding again would let an
	// encoded traversal sequence through.
	path := strings.TrimPrefix(r.URL.Path, "/api/instances/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.Error(w, "invalid instance id", http.StatusBadRequest)
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodDelete:
		s.respond(w, s.instances.Delete(r.Context(), id), http.StatusNoContent, nil)
	case action == "qr" && r.Method == http.MethodGet:
		s.handleQR(w, id)
	case action == "status" && r.Method == http.MethodGet:
		status, err := s.instances.Status(id)
		s.respond(w, err, http.StatusOK, map[string]string{"instanceId": id, "status": status})
	case action == "disconnect" && r.Method == http.MethodPost:
		s.respond(w, s.instances.Disconnect(r.Context(), id), http.StatusNoContent, nil)
	case action == "send" && r.Method == http.MethodPost:
		s.handleSend(w, r, id)
	case action == "broadcast" && r.Method == http.MethodPost:
		s.handleBroadcast(w, r, id)
	case action == "exists" && r.Method == http.MethodGet:
		recipient := r.URL.Query().Get("recipient")
		if recipient == "" {
			http.Error(w, "missing recipient", http.StatusBadRequest)
			return
		}
		exists := s.dispatcher.CheckRecipientExists(r.Context(), id, recipient)
		writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleQR(w http.ResponseWriter, id string) {
	qr, err := s.instances.QR(id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"instanceId": id, "qr": qr})
	case errors.Is(err, instance.ErrAlreadyConnected):
		writeJSON(w, http.StatusOK, map[string]bool{"connected": true})
	case errors.Is(err, instance.ErrQRExpired):
		writeError(w, http.StatusGone, err)
	case errors.Is(err, instance.ErrQRNotReady):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, instance.ErrInstanceNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

type sendRequest struct {
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
	MediaURL  string `json:"mediaUrl"`
	MIME      string `json:"mime"`
	Filename  string `json:"filename"`
	Caption   string `json:"caption"`
}

func (req *sendRequest) attachment() *transport.Attachment {
	if req.MediaURL == "" {
		return nil
	}
	return &transport.Attachment{URL: req.MediaURL, MIME: req.MIME, Filename: req.Filename}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, id string) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parsing request: %w", err))
		return
	}
	if req.Recipient == "" {
		http.Error(w, "missing recipient", http.StatusBadRequest)
		return
	}

	var rcpt transport.Receipt
	var err error
	if att := req.attachment(); att != nil {
		rcpt, err = s.dispatcher.SendAttachment(r.Context(), id, req.Recipient, *att, req.Caption)
	} else {
		rcpt, err = s.dispatcher.SendText(r.Context(), id, req.Recipient, req.Text)
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrNoSession) || errors.Is(err, session.ErrNotConnected) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"messageId": rcpt.MessageID})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Recipients []string `json:"recipients"`
		sendRequest
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parsing request: %w", err))
		return
	}
	if len(req.Recipients) == 0 {
		http.Error(w, "missing recipients", http.StatusBadRequest)
		return
	}

	payload := dispatch.Payload{Text: req.Text, Attachment: req.attachment()}
	if payload.Attachment != nil {
		payload.Text = req.Caption
	}
	result := s.dispatcher.Broadcast(r.Context(), id, req.Recipients, payload)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, s.healthReader.Read())
}

// respond maps service errors onto HTTP statuses for the simple handlers.
func (s *Server) respond(w http.ResponseWriter, err error, okStatus int, body interface{}) {
	switch {
	case err == nil:
		if body == nil {
			w.WriteHeader(okStatus)
			return
		}
		writeJSON(w, okStatus, body)
	case errors.Is(err, instance.ErrInstanceNotFound), errors.Is(err, session.ErrNoSession):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Gateway-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("Server listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
