package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"bouncelink/internal/connection"
	"bouncelink/internal/notifications"
	"bouncelink/internal/realtime"
	"bouncelink/internal/wire"

	"github.com/gorilla/mux"
)

// Backend is what the API exposes. *realtime.Service implements it.
type Backend interface {
	Status() connection.Status
	Connect(ctx context.Context) error
	Disconnect()
	UpdateLocation(lat, lon float64) bool
	JoinRoom(id string) bool
	LeaveRoom(id string) bool

	Notifications() []notifications.Notification
	UnreadCount() int
	History() []wire.Event
	MarkRead(id string) bool
	MarkAllRead() int
	Remove(id string) bool
	Clear() int

	Settings() realtime.Settings
	SetSettings(realtime.Settings)
}

const (
	connectTimeout = 15 * time.Second
	maxBody        = 64 << 10
)

func (s *Server) routes(r *mux.Router) {
	r.HandleFunc("/health", s.getHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.getStatus).Methods(http.MethodGet)
	r.HandleFunc("/events", s.getEvents).Methods(http.MethodGet)

	r.HandleFunc("/notifications", s.listNotifications).Methods(http.MethodGet)
	r.HandleFunc("/notifications", s.clearNotifications).Methods(http.MethodDelete)
	r.HandleFunc("/notifications/read-all", s.markAllRead).Methods(http.MethodPost)
	r.HandleFunc("/notifications/{id}/read", s.markRead).Methods(http.MethodPost)
	r.HandleFunc("/notifications/{id}", s.removeNotification).Methods(http.MethodDelete)

	r.HandleFunc("/connect", s.connect).Methods(http.MethodPost)
	r.HandleFunc("/disconnect", s.disconnect).Methods(http.MethodPost)
	r.HandleFunc("/location", s.location).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{id}/join", s.room(true)).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{id}/leave", s.room(false)).Methods(http.MethodPost)

	r.HandleFunc("/settings", s.getSettings).Methods(http.MethodGet)
	r.HandleFunc("/settings", s.patchSettings).Methods(http.MethodPost, http.MethodPatch)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) getHealth(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{
		"ok":        true,
		"connected": s.backend.Status().IsConnected,
	}
	if s.health != nil {
		out["routines"] = s.health()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Status())
}

type eventView struct {
	Type      string       `json:"type"`
	ID        string       `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	Payload   wire.Payload `json:"payload,omitempty"`
}

func (s *Server) getEvents(w http.ResponseWriter, _ *http.Request) {
	evs := s.backend.History()
	out := make([]eventView, 0, len(evs))
	for _, ev := range evs {
		out = append(out, eventView{Type: ev.Type, ID: ev.ID, Timestamp: ev.Timestamp, Payload: ev.Payload})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	list := s.backend.Notifications()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		if n < len(list) {
			list = list[:n]
		}
	}
	if list == nil {
		list = []notifications.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"unread":        s.backend.UnreadCount(),
		"notifications": list,
	})
}

func (s *Server) clearNotifications(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cleared": s.backend.Clear()})
}

func (s *Server) markAllRead(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"marked": s.backend.MarkAllRead()})
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "changed": s.backend.MarkRead(id)})
}

func (s *Server) removeNotification(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.backend.Remove(id) {
		writeError(w, http.StatusNotFound, "no such notification")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), connectTimeout)
	defer cancel()
	err := s.backend.Connect(ctx)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.backend.Status())
	case errors.Is(err, connection.ErrAuthMissing):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) disconnect(w http.ResponseWriter, _ *http.Request) {
	s.backend.Disconnect()
	w.WriteHeader(http.StatusNoContent)
}

type locationRequest struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

func (s *Server) location(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.Lat == nil || req.Lon == nil || *req.Lat < -90 || *req.Lat > 90 || *req.Lon < -180 || *req.Lon > 180 {
		writeError(w, http.StatusBadRequest, "lat must be in [-90,90] and lon in [-180,180]")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"sent": s.backend.UpdateLocation(*req.Lat, *req.Lon)})
}

func (s *Server) room(join bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		var sent bool
		if join {
			sent = s.backend.JoinRoom(id)
		} else {
			sent = s.backend.LeaveRoom(id)
		}
		writeJSON(w, http.StatusOK, map[string]bool{"sent": sent})
	}
}

func (s *Server) getSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Settings())
}

type settingsPatch struct {
	NotificationsEnabled *bool `json:"notificationsEnabled"`
	AutoConnect          *bool `json:"autoConnect"`
}

func (s *Server) patchSettings(w http.ResponseWriter, r *http.Request) {
	var p settingsPatch
	if err := decodeBody(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	next := s.backend.Settings()
	if p.NotificationsEnabled != nil {
		next.NotificationsEnabled = *p.NotificationsEnabled
	}
	if p.AutoConnect != nil {
		next.AutoConnect = *p.AutoConnect
	}
	s.backend.SetSettings(next)
	writeJSON(w, http.StatusOK, next)
}
