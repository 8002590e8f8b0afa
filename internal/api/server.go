// Package api serves the web frontend: the cached summary, web
// subscriptions, registry stats and a websocket feed of refresh events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/NullMeDev/rsmn/internal/logging"
	"github.com/NullMeDev/rsmn/internal/news"
	"github.com/NullMeDev/rsmn/internal/subscriber"
)

const (
	confirmSubscribe   = "¡Hola! Te suscribiste a *RSMN* 📰\n\nRecibirás un resumen de noticias todos los días a las 6:00 AM.\n\nComandos disponibles:\n• \"actualizame\" - Te envío las últimas noticias\n• \"pausar\" - Pausar envíos\n• \"baja\" - Cancelar suscripción"
	confirmUnsubscribe = "Te diste de baja de *RSMN*.\n\nSi querés volver, escribí \"suscribir\" o visitá nuestra web."

	confirmTimeout = 30 * time.Second
)

// NewsSource yields the current cache entry.
type NewsSource interface {
	Current(ctx context.Context) (*news.Entry, error)
}

// Sender delivers chat confirmations.
type Sender interface {
	Send(ctx context.Context, to, text string) error
}

// Options configures a Server.
type Options struct {
	News        NewsSource
	Registry    subscriber.Registry
	Sender      Sender
	FrontendURL string
	Logger      *logging.Logger
	Now         func() time.Time
}

// Server holds the HTTP routes.
type Server struct {
	news     NewsSource
	registry subscriber.Registry
	sender   Sender
	origin   string
	log      *logging.Logger
	now      func() time.Time

	router *mux.Router
	hub    *Hub
}

// New creates the API server and registers its routes.
func New(opts Options) *Server {
	s := &Server{
		news:     opts.News,
		registry: opts.Registry,
		sender:   opts.Sender,
		origin:   opts.FrontendURL,
		log:      opts.Logger,
		now:      opts.Now,
	}
	if s.log == nil {
		s.log = logging.Discard()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.hub = NewHub(s.origin, s.log)

	s.router = mux.NewRouter()
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/summary", s.handleSummary).Methods("GET")
	api.HandleFunc("/subscribe", s.handleSubscribe).Methods("POST")
	api.HandleFunc("/unsubscribe", s.handleUnsubscribe).Methods("POST")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.Handle("/ws", s.hub)
	return s
}

// Handler returns the root handler, CORS included.
func (s *Server) Handler() http.Handler {
	return s.cors(s.router)
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// NotifyRefresh broadcasts a refresh event for e.
func (s *Server) NotifyRefresh(e news.Entry) {
	s.hub.Broadcast(map[string]any{
		"type":      "refresh",
		"createdAt": e.CreatedAt,
		"articles":  len(e.Articles),
	})
}

// ListenAndServe serves on addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("API server listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("API server shutdown: %w", err)
	}
	return nil
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": s.now(),
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	entry, err := s.news.Current(r.Context())
	if err != nil {
		s.log.Error("Error getting summary: %v", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to get news summary")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"articles":  entry.Articles,
		"cachedAt":  entry.CreatedAt,
		"timestamp": s.now(),
	})
}

type subscribeRequest struct {
	Phone string `json:"phone"`
	Email string `json:"email"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	phone, req, ok := s.decodePhone(w, r)
	if !ok {
		return
	}

	rec, err := s.registry.Upsert(r.Context(), subscriber.UpsertParams{Phone: phone, Email: req.Email})
	if err != nil {
		s.log.Error("Error subscribing user: %v", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to subscribe")
		return
	}

	if err := s.confirm(r.Context(), phone, confirmSubscribe); err != nil {
		s.log.Warning("Could not send WhatsApp confirmation: %v", err)
	} else {
		s.log.Info("WhatsApp confirmation sent to %s", phone)
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Successfully subscribed! You will receive a confirmation on WhatsApp.",
		"user": map[string]any{
			"phone":      rec.Phone,
			"subscribed": rec.Subscribed,
		},
	})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	phone, _, ok := s.decodePhone(w, r)
	if !ok {
		return
	}

	if err := s.registry.Delete(r.Context(), phone); err != nil && !errors.Is(err, subscriber.ErrNotFound) {
		s.log.Error("Error unsubscribing user: %v", err)
		respondWithError(w, http.StatusInternalServerError, "User not found or already unsubscribed")
		return
	}

	if err := s.confirm(r.Context(), phone, confirmUnsubscribe); err != nil {
		s.log.Warning("Could not send WhatsApp unsubscribe confirmation: %v", err)
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Successfully unsubscribed",
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.registry.Stats(r.Context())
	if err != nil {
		s.log.Error("Error getting stats: %v", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to get stats")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats":   stats,
	})
}

// decodePhone reads the request body and returns the normalised phone,
// answering 400 itself when there is none.
func (s *Server) decodePhone(w http.ResponseWriter, r *http.Request) (string, subscribeRequest, bool) {
	var req subscribeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return "", req, false
	}
	phone := subscriber.NormalizePhone(req.Phone)
	if phone == "" {
		respondWithError(w, http.StatusBadRequest, "Phone number required")
		return "", req, false
	}
	return phone, req, true
}

func (s *Server) confirm(ctx context.Context, phone, text string) error {
	if s.sender == nil {
		return errors.New("no chat channel configured")
	}
	ctx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()
	return s.sender.Send(ctx, subscriber.PhoneAddress(phone), text)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]any{"success": false, "error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"success":false,"error":"Failed to marshal JSON response"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
