package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"taskboard/internal/domain"
	"taskboard/internal/notify"
	"taskboard/internal/policy"
	"taskboard/internal/scheduler"
	"taskboard/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxCalendarSpan  = 366 * 24 * time.Hour
)

type UserStore interface {
	GetUser(ctx context.Context, id string) (domain.User, error)
	ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, id string) error
	ClearReadNotifications(ctx context.Context, before time.Time) (int64, error)
}

type PolicyStore interface {
	Get(ctx context.Context) (domain.SlaPolicy, error)
	Update(ctx context.Context, patch policy.Patch, actorID string) (domain.SlaPolicy, error)
}

type Outbound interface {
	List(ctx context.Context, status string, limit int) ([]domain.OutboundMessage, error)
	Requeue(ctx context.Context, id string) error
}

type Notifier interface {
	Notify(ctx context.Context, req notify.Request) (notify.Result, error)
}

type Jobs interface {
	Trigger(ctx context.Context, name string) error
}

type Calendar interface {
	ProjectOccurrences(ctx context.Context, projectID string, from, to time.Time) ([]domain.Occurrence, error)
}

// Deps are the engine components the HTTP surface exposes.
type Deps struct {
	Users    UserStore
	Policy   PolicyStore
	Outbound Outbound
	Notifier Notifier
	Jobs     Jobs
	Calendar Calendar
	// Metrics serves /metrics; nil leaves the route out.
	Metrics http.Handler
	Debug   bool
	Now     func() time.Time
}

type Server struct {
	r *chi.Mux
	Deps
}

type ctxKey struct{}

func NewServer(d Deps) http.Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, Deps: d}

	r.Get("/health", s.health)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/notifications", s.createNotification)
		r.Get("/notifications", s.listNotifications)
		r.Post("/notifications/{id}/read", s.markRead)
		r.Get("/projects/{id}/calendar", s.projectCalendar)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requirePrivileged)
			r.Get("/sla-policy", s.getPolicy)
			r.Patch("/sla-policy", s.patchPolicy)
			r.Get("/outbound", s.listOutbound)
			r.Post("/outbound/{id}/requeue", s.requeueOutbound)
			r.Post("/jobs/{name}/run", s.runJob)
			r.Delete("/notifications/read", s.clearRead)
		})
	})

	if d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// authenticate resolves the calling user from X-User-ID. Token handling
// lives in the gateway in front of this service.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-User-ID")
		if id == "" {
			http.Error(w, "missing X-User-ID", http.StatusUnauthorized)
			return
		}
		u, err := s.Users.GetUser(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "unknown user", http.StatusUnauthorized)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, u)))
	})
}

func (s *Server) requirePrivileged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !currentUser(r).Privileged() {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func currentUser(r *http.Request) domain.User {
	u, _ := r.Context().Value(ctxKey{}).(domain.User)
	return u
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.Policy.Get(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) patchPolicy(w http.ResponseWriter, r *http.Request) {
	var patch policy.Patch
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, err := s.Policy.Update(r.Context(), patch, currentUser(r).ID)
	if errors.Is(err, policy.ErrInvalidPatch) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) listOutbound(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", domain.OutboundPending, domain.OutboundSent, domain.OutboundFailed:
	default:
		http.Error(w, "status must be pending, sent or failed", http.StatusBadRequest)
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	msgs, err := s.Outbound.List(r.Context(), status, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []domain.OutboundMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) requeueOutbound(w http.ResponseWriter, r *http.Request) {
	err := s.Outbound.Requeue(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := s.Jobs.Trigger(r.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, scheduler.ErrJobRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"job": name, "status": "ok"})
	}
}

type notifyReq struct {
	UserID       string                  `json:"userId"`
	TaskID       string                  `json:"taskId"`
	Type         domain.NotificationType `json:"type"`
	Title        string                  `json:"title"`
	Message      string                  `json:"message"`
	RemindAt     *time.Time              `json:"remindAt"`
	Channels     []string                `json:"channels"`
	Address      string                  `json:"address"`
	ExternalBody string                  `json:"externalBody"`
	DedupeKey    string                  `json:"dedupeKey"`
	DedupeHours  int                     `json:"dedupeHours"`
}

func (s *Server) createNotification(w http.ResponseWriter, r *http.Request) {
	var body notifyReq
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req := notify.Request{
		UserID:       body.UserID,
		TaskID:       body.TaskID,
		Type:         body.Type,
		Title:        body.Title,
		Message:      body.Message,
		Address:      body.Address,
		ExternalBody: body.ExternalBody,
		DedupeKey:    body.DedupeKey,
		DedupeHours:  body.DedupeHours,
	}
	if body.RemindAt != nil {
		req.RemindAt = *body.RemindAt
	}
	for _, name := range body.Channels {
		c, err := domain.ParseChannel(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req.Channels |= c
	}

	res, err := s.Notifier.Notify(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	code := http.StatusOK
	switch {
	case res.Skipped == notify.SkipInvalid:
		code = http.StatusUnprocessableEntity
	case res.Notification != nil:
		code = http.StatusCreated
	}
	writeJSON(w, code, res)
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	unread := r.URL.Query().Get("unread") == "true"
	list, err := s.Users.ListNotifications(r.Context(), currentUser(r).ID, unread, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []domain.Notification{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	err := s.Users.MarkNotificationRead(r.Context(), currentUser(r).ID, chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clearRead(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("older_than_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "older_than_days must be a non-negative integer", http.StatusBadRequest)
			return
		}
		days = n
	}
	n, err := s.Users.ClearReadNotifications(r.Context(), s.Now().AddDate(0, 0, -days))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) projectCalendar(w http.ResponseWriter, r *http.Request) {
	from := s.Now()
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "from: "+err.Error(), http.StatusBadRequest)
			return
		}
		from = t
	}
	to := from.AddDate(0, 0, 30)
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "to: "+err.Error(), http.StatusBadRequest)
			return
		}
		to = t
	}
	if to.Before(from) || to.Sub(from) > maxCalendarSpan {
		http.Error(w, "to must follow from by at most 366 days", http.StatusBadRequest)
		return
	}

	occ, err := s.Calendar.ProjectOccurrences(r.Context(), chi.URLParam(r, "id"), from, to)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, occ)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > maxListLimit {
		http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
