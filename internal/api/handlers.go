package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/sessionops/internal/domain"
	"github.com/punchamoorthee/sessionops/internal/service"
	"github.com/punchamoorthee/sessionops/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionops_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sessionops_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	store    store.Store
	sessions *service.SessionTracker
	presence *service.PresenceTracker
	gifts    *service.GiftProcessor
	payouts  *service.PayoutScheduler
	hub      *Hub
}

func NewHandler(st store.Store, sessions *service.SessionTracker, presence *service.PresenceTracker,
	gifts *service.GiftProcessor, payouts *service.PayoutScheduler, hub *Hub) *Handler {
	return &Handler{
		store:    st,
		sessions: sessions,
		presence: presence,
		gifts:    gifts,
		payouts:  payouts,
		hub:      hub,
	}
}

// Register wires every route onto the router.
func (h *Handler) Register(r *mux.Router) {
	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/sessions", h.CreateSessionHandler).Methods("POST")
	apiV1.HandleFunc("/sessions/{roomId}", h.GetSessionHandler).Methods("GET")
	apiV1.HandleFunc("/sessions/{roomId}/start", h.StartSessionHandler).Methods("POST")
	apiV1.HandleFunc("/sessions/{roomId}/end", h.EndSessionHandler).Methods("POST")
	apiV1.HandleFunc("/sessions/{roomId}/cancel", h.CancelSessionHandler).Methods("POST")
	apiV1.HandleFunc("/sessions/{roomId}/billing", h.TrackBillingHandler).Methods("GET")
	apiV1.HandleFunc("/gifts", h.SendGiftHandler).Methods("POST")
	apiV1.HandleFunc("/gifts/process", h.ProcessGiftsHandler).Methods("POST")
	apiV1.HandleFunc("/payouts/sweep", h.PayoutSweepHandler).Methods("POST")
	apiV1.HandleFunc("/users/{id}", h.GetUserHandler).Methods("GET")
	apiV1.HandleFunc("/presence/{id}", h.PresenceHandler).Methods("GET")
	r.HandleFunc("/ws", h.WebsocketHandler)
}

type createSessionRequest struct {
	ReaderID    int64  `json:"reader_id"`
	ClientID    int64  `json:"client_id"`
	SessionType string `json:"session_type"`
}

func (h *Handler) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/sessions"))
	defer timer.ObserveDuration()

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/sessions")
		return
	}

	sessionType := domain.SessionType(req.SessionType)
	switch sessionType {
	case domain.SessionVideo, domain.SessionVoice, domain.SessionChat:
	default:
		h.respondError(w, http.StatusUnprocessableEntity, "Unknown session type", "POST", "/sessions")
		return
	}

	sess, err := h.sessions.CreateSession(r.Context(), req.ReaderID, req.ClientID, sessionType)
	if err != nil {
		h.respondServiceError(w, err, "POST", "/sessions")
		return
	}
	h.respondJSON(w, http.StatusCreated, sess, "POST", "/sessions")
}

func (h *Handler) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	sess, err := h.store.GetSession(r.Context(), roomID)
	if err != nil {
		h.respondServiceError(w, err, "GET", "/sessions/{roomId}")
		return
	}
	h.respondJSON(w, http.StatusOK, sess, "GET", "/sessions/{roomId}")
}

func (h *Handler) StartSessionHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	sess, err := h.sessions.StartSession(r.Context(), roomID)
	if err != nil {
		h.respondServiceError(w, err, "POST", "/sessions/{roomId}/start")
		return
	}
	h.respondJSON(w, http.StatusOK, sess, "POST", "/sessions/{roomId}/start")
}

type endSessionRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) EndSessionHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/sessions/{roomId}/end"))
	defer timer.ObserveDuration()

	roomID := mux.Vars(r)["roomId"]
	var req endSessionRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = domain.EndReasonClient
	}

	sess, err := h.sessions.EndSession(r.Context(), roomID, req.Reason)
	if err != nil {
		h.respondServiceError(w, err, "POST", "/sessions/{roomId}/end")
		return
	}
	h.respondJSON(w, http.StatusOK, sess, "POST", "/sessions/{roomId}/end")
}

func (h *Handler) CancelSessionHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	sess, err := h.sessions.CancelSession(r.Context(), roomID)
	if err != nil {
		h.respondServiceError(w, err, "POST", "/sessions/{roomId}/cancel")
		return
	}
	h.respondJSON(w, http.StatusOK, sess, "POST", "/sessions/{roomId}/cancel")
}

func (h *Handler) TrackBillingHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	amount, err := h.sessions.TrackBilling(r.Context(), roomID)
	if err != nil {
		h.respondServiceError(w, err, "GET", "/sessions/{roomId}/billing")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"amount": amount.StringFixed(2)},
		"GET", "/sessions/{roomId}/billing")
}

type sendGiftRequest struct {
	SenderID     int64  `json:"sender_id"`
	RecipientID  int64  `json:"recipient_id"`
	LivestreamID string `json:"livestream_id"`
	Amount       int64  `json:"amount"`
	GiftType     string `json:"gift_type"`
	Message      string `json:"message"`
}

func (h *Handler) SendGiftHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/gifts"))
	defer timer.ObserveDuration()

	var req sendGiftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/gifts")
		return
	}
	if req.Amount <= 0 {
		h.respondError(w, http.StatusUnprocessableEntity, "Positive amount required", "POST", "/gifts")
		return
	}
	if req.SenderID == req.RecipientID {
		h.respondError(w, http.StatusUnprocessableEntity, "Self-gift not allowed", "POST", "/gifts")
		return
	}

	gift, err := h.gifts.SendGift(r.Context(), req.SenderID, req.RecipientID,
		req.LivestreamID, req.Amount, req.GiftType, req.Message)
	if err != nil {
		h.respondServiceError(w, err, "POST", "/gifts")
		return
	}
	h.respondJSON(w, http.StatusCreated, gift, "POST", "/gifts")
}

func (h *Handler) ProcessGiftsHandler(w http.ResponseWriter, r *http.Request) {
	settled, err := h.gifts.ProcessUnprocessedGifts(r.Context())
	if err != nil {
		h.respondServiceError(w, err, "POST", "/gifts/process")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]int{"settled": settled}, "POST", "/gifts/process")
}

func (h *Handler) PayoutSweepHandler(w http.ResponseWriter, r *http.Request) {
	initiated, err := h.payouts.Sweep(r.Context())
	if err != nil {
		h.respondServiceError(w, err, "POST", "/payouts/sweep")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]int{"initiated": initiated}, "POST", "/payouts/sweep")
}

func (h *Handler) GetUserHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid user id", "GET", "/users/{id}")
		return
	}
	user, err := h.store.GetUser(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, err, "GET", "/users/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, user, "GET", "/users/{id}")
}

func (h *Handler) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid user id", "GET", "/presence/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]bool{"is_online": h.presence.IsOnline(id)},
		"GET", "/presence/{id}")
}

// respondServiceError maps the engine's error taxonomy onto HTTP statuses.
func (h *Handler) respondServiceError(w http.ResponseWriter, err error, method, endpoint string) {
	switch {
	case errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, store.ErrSessionNotFound),
		errors.Is(err, store.ErrGiftNotFound),
		errors.Is(err, service.ErrReaderNotFound):
		h.respondError(w, http.StatusNotFound, err.Error(), method, endpoint)
	case errors.Is(err, service.ErrInvalidTransition):
		h.respondError(w, http.StatusConflict, err.Error(), method, endpoint)
	case errors.Is(err, store.ErrAlreadyProcessed):
		h.respondError(w, http.StatusConflict, err.Error(), method, endpoint)
	case errors.Is(err, store.ErrInsufficientFunds):
		h.respondError(w, http.StatusUnprocessableEntity, err.Error(), method, endpoint)
	case errors.Is(err, service.ErrInvalidAmount):
		h.respondError(w, http.StatusUnprocessableEntity, err.Error(), method, endpoint)
	default:
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", method, endpoint)
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, message, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": message}, method, endpoint)
}
