// Package server exposes feed preview, calendar sync and GroupMe helpers over
// a small JSON API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/oauth2"

	"github.com/adbeework/shiftsync/internal/calendar"
	"github.com/adbeework/shiftsync/internal/feed"
	"github.com/adbeework/shiftsync/internal/httpx"
	"github.com/adbeework/shiftsync/internal/notify/groupme"
	"github.com/adbeework/shiftsync/internal/sync"
)

// FeedParser turns a feed URL into shifts.
type FeedParser interface {
	ParseFeed(ctx context.Context, rawURL string) ([]feed.Shift, error)
}

// CalendarService is everything the API needs from the destination calendar.
type CalendarService interface {
	calendar.Provider
	calendar.Browser
}

// Options configures a Server. Zero values are valid.
type Options struct {
	// DefaultFeedURL is used when a request does not name a feed.
	DefaultFeedURL string
	// GroupMeToken is the server-wide GroupMe token. Requests may bring their
	// own through X-GroupMe-Token or ?token=.
	GroupMeToken string
	// GroupMeGroupID, with GroupMeToken, enables the post-sync announcement.
	GroupMeGroupID string
	// GroupMeBaseURL overrides the GroupMe API root.
	GroupMeBaseURL string
	// Telemetry instruments every request when set.
	Telemetry *httpx.Telemetry
	// Now is the clock used for export timestamps.
	Now func() time.Time
}

// Server serves the JSON API.
type Server struct {
	parser     FeedParser
	calendars  CalendarService
	reconciler *sync.Reconciler
	opts       Options
}

// New creates a Server.
func New(parser FeedParser, calendars CalendarService, opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	reconciler := sync.NewReconciler(calendars)
	if opts.GroupMeToken != "" && opts.GroupMeGroupID != "" {
		reconciler.Notifier = &groupme.Client{Token: opts.GroupMeToken, BaseURL: opts.GroupMeBaseURL}
		reconciler.NotifyDestination = opts.GroupMeGroupID
	}

	return &Server{
		parser:     parser,
		calendars:  calendars,
		reconciler: reconciler,
		opts:       opts,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	middleware := []mux.MiddlewareFunc{}
	if s.opts.Telemetry != nil {
		middleware = append(middleware, s.opts.Telemetry.Middleware)
	}
	middleware = append(middleware, httpx.Logger(), httpx.Recovery())
	router.Use(middleware...)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/schedules", s.handleSchedules).Methods(http.MethodGet)
	api.HandleFunc("/schedules/feed.ics", s.handleExport).Methods(http.MethodGet)

	cal := api.PathPrefix("/calendar").Subrouter()
	cal.Use(requireBearer)
	cal.HandleFunc("/list", s.handleListCalendars).Methods(http.MethodGet)
	cal.HandleFunc("/events", s.handleListEvents).Methods(http.MethodGet)
	cal.HandleFunc("/events/{id}", s.handleDeleteEvent).Methods(http.MethodDelete)
	cal.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)

	gm := api.PathPrefix("/groupme").Subrouter()
	gm.HandleFunc("/groups", s.handleGroups).Methods(http.MethodGet)
	gm.HandleFunc("/messages/{groupId}", s.handleMessages).Methods(http.MethodGet)
	gm.HandleFunc("/send/{groupId}", s.handleSend).Methods(http.MethodPost)

	api.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, http.StatusNotFound, "API route not found")
	})

	return router
}

// Wait blocks until background notifications of past syncs have finished.
func (s *Server) Wait() {
	s.reconciler.Wait()
}

type credentialsKey struct{}

// requireBearer takes the caller's Google access token from the
// Authorization header. The token is passed through untouched.
func requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		scheme, token, ok := strings.Cut(header, " ")
		token = strings.TrimSpace(token)
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			httpx.WriteError(w, http.StatusUnauthorized, "Not authenticated. Please sign in with Google.")
			return
		}
		creds := &oauth2.Token{AccessToken: token, TokenType: "Bearer"}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), credentialsKey{}, creds)))
	})
}

func credentialsFrom(ctx context.Context) *oauth2.Token {
	creds, _ := ctx.Value(credentialsKey{}).(*oauth2.Token)
	return creds
}

func (s *Server) feedURL(requested string) string {
	if requested != "" {
		return requested
	}
	return s.opts.DefaultFeedURL
}

// feedStatus maps a parse failure to a response code.
func feedStatus(err error) int {
	if errors.Is(err, feed.ErrInvalidURL) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	feedURL := s.feedURL(r.URL.Query().Get("url"))
	if feedURL == "" {
		httpx.WriteError(w, http.StatusBadRequest, "Missing iCal URL. Add ?url=YOUR_ICAL_URL to the request.")
		return
	}

	shifts, err := s.parser.ParseFeed(r.Context(), feedURL)
	if err != nil {
		httpx.WriteError(w, feedStatus(err), err.Error())
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"schedules": shifts,
		"count":     len(shifts),
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	feedURL := s.feedURL(r.URL.Query().Get("url"))
	if feedURL == "" {
		httpx.WriteError(w, http.StatusBadRequest, "Missing iCal URL. Add ?url=YOUR_ICAL_URL to the request.")
		return
	}

	shifts, err := s.parser.ParseFeed(r.Context(), feedURL)
	if err != nil {
		httpx.WriteError(w, feedStatus(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="shifts.ics"`)
	if err := feed.Encode(w, shifts, s.opts.Now()); err != nil {
		slog.ErrorContext(r.Context(), "Failed to write calendar export", "error", err)
	}
}

type syncRequest struct {
	ICalURL     string   `json:"icalUrl"`
	CalendarID  string   `json:"calendarId"`
	TimeZone    string   `json:"timeZone"`
	NotifySelf  bool     `json:"notifySelf"`
	SelectedIDs []string `json:"selectedIds"`
}

type syncResponse struct {
	Success    bool         `json:"success"`
	Total      int          `json:"total"`
	Synced     int          `json:"synced"`
	Skipped    int          `json:"skipped"`
	Failed     int          `json:"failed"`
	CalendarID string       `json:"calendarId"`
	Details    sync.Details `json:"details"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "Invalid JSON body.")
			return
		}
	}

	feedURL := s.feedURL(req.ICalURL)
	if feedURL == "" {
		httpx.WriteError(w, http.StatusBadRequest, "No iCal URL provided.")
		return
	}

	shifts, err := s.parser.ParseFeed(r.Context(), feedURL)
	if err != nil {
		httpx.WriteError(w, feedStatus(err), err.Error())
		return
	}

	summary, err := s.reconciler.Sync(r.Context(), credentialsFrom(r.Context()), shifts, sync.Request{
		SelectedIDs: req.SelectedIDs,
		CalendarID:  req.CalendarID,
		TimeZone:    req.TimeZone,
		NotifySelf:  req.NotifySelf,
	})
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	httpx.WriteJSON(w, http.StatusOK, syncResponse{
		Success:    true,
		Total:      summary.Total,
		Synced:     summary.Synced,
		Skipped:    summary.Skipped,
		Failed:     summary.Failed,
		CalendarID: summary.CalendarID,
		Details:    summary.Details(),
	})
}

func (s *Server) handleListCalendars(w http.ResponseWriter, r *http.Request) {
	calendars, err := s.calendars.ListCalendars(r.Context(), credentialsFrom(r.Context()))
	if err != nil {
		slog.ErrorContext(r.Context(), "Calendar list error", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"calendars": calendars})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	var maxResults int64
	if raw := r.URL.Query().Get("max"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			httpx.WriteError(w, http.StatusBadRequest, "max must be a positive integer")
			return
		}
		maxResults = n
	}

	events, err := s.calendars.ListUpcomingEvents(r.Context(), credentialsFrom(r.Context()), maxResults)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["id"]
	calendarID := r.URL.Query().Get("calendarId")

	if err := s.calendars.DeleteEvent(r.Context(), credentialsFrom(r.Context()), calendarID, eventID); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// groupMeClient picks the token from the server config, the X-GroupMe-Token
// header or the token query parameter, in that order.
func (s *Server) groupMeClient(r *http.Request) *groupme.Client {
	token := s.opts.GroupMeToken
	if token == "" {
		token = r.Header.Get("X-GroupMe-Token")
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return nil
	}
	return &groupme.Client{Token: token, BaseURL: s.opts.GroupMeBaseURL}
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	client := s.groupMeClient(r)
	if client == nil {
		httpx.WriteError(w, http.StatusUnauthorized, "GroupMe token not found")
		return
	}

	groups, err := client.Groups(r.Context())
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, groups)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	client := s.groupMeClient(r)
	if client == nil {
		httpx.WriteError(w, http.StatusUnauthorized, "GroupMe token not found")
		return
	}

	messages, err := client.Messages(r.Context(), mux.Vars(r)["groupId"])
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, messages)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	client := s.groupMeClient(r)
	if client == nil {
		httpx.WriteError(w, http.StatusUnauthorized, "GroupMe token not found")
		return
	}

	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "Invalid JSON body.")
		return
	}

	message, err := client.SendMessage(r.Context(), mux.Vars(r)["groupId"], body.Text)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, groupme.ErrMissingParameter) {
			status = http.StatusBadRequest
		}
		httpx.WriteError(w, status, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, message)
}
