package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"relay/cmd/internal/realtime"
	v1 "relay/shared/contracts/realtime/v1"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxGroupMessageBody = 64 << 10

type routes struct {
	log     Logger
	cfg     Config
	db      *persistence
	relay   *realtime.Relay
	ws      *realtime.WSGateway
	metrics prometheus.Gatherer
}

func registerHTTP(mux *http.ServeMux, rt routes) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", rt.readyz)
	mux.HandleFunc("GET /server-status", rt.serverStatus)
	mux.HandleFunc("POST /group-messages", rt.postGroupMessage)

	if rt.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(rt.metrics, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/ws", rt.ws.HandleWS)
}

func (rt routes) readyz(w http.ResponseWriter, r *http.Request) {
	durable := rt.db != nil && rt.db.durable()
	if rt.cfg.ReadinessRequireDB && !durable {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}

	if durable {
		if err := rt.db.Ready(r.Context()); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			rt.log.Info("readyz.db.not_ready", "backend", rt.db.backend, "err", err)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

type serverStatusResponse struct {
	CurrentUsers int      `json:"currentUsers"`
	MaxUsers     int      `json:"maxUsers"`
	Available    bool     `json:"available"`
	OnlineUsers  []string `json:"onlineUsers"`
}

func (rt routes) serverStatus(w http.ResponseWriter, _ *http.Request) {
	snap := rt.relay.Snapshot()
	online := snap.Identities
	if online == nil {
		online = []string{}
	}
	writeJSON(w, http.StatusOK, serverStatusResponse{
		CurrentUsers: snap.Count,
		MaxUsers:     snap.Max,
		Available:    snap.Available(),
		OnlineUsers:  online,
	})
}

type groupMessageRequest struct {
	GroupID       v1.GroupID `json:"groupId"`
	From          string     `json:"from"`
	Text          string     `json:"text"`
	AttachmentURL *string    `json:"attachment_url"`
	Timestamp     *time.Time `json:"timestamp"`
}

type groupMessageResponse struct {
	Success   bool      `json:"success"`
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// postGroupMessage stores a group message. The server clock is canonical; a client
// timestamp is kept as client_ts only.
func (rt routes) postGroupMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxGroupMessageBody)

	var req groupMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	msg, err := rt.relay.SendGroup(r.Context(), realtime.GroupMessageInput{
		GroupID:       req.GroupID.String(),
		From:          req.From,
		Text:          req.Text,
		AttachmentURL: req.AttachmentURL,
		ClientTS:      req.Timestamp,
	})
	switch {
	case err == nil:
	case errors.Is(err, realtime.ErrInvalidMessage):
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	case realtime.IsNotFound(err):
		writeJSONError(w, http.StatusNotFound, "group not found")
		return
	default:
		rt.log.Error("http.group_messages.fail", "group_id", req.GroupID.String(), "err", err)
		writeJSONError(w, http.StatusInternalServerError, "database insert error")
		return
	}

	writeJSON(w, http.StatusOK, groupMessageResponse{
		Success:   true,
		ID:        msg.ID,
		Timestamp: msg.Timestamp,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
