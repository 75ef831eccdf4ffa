package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"reelqueue/api/internal/auth"
	"reelqueue/api/internal/authpw"
	"reelqueue/api/internal/listing"
	"reelqueue/api/internal/media"
	"reelqueue/api/internal/rbac"
)

const (
	sessionCookie = "token"
	// maxEntryBody bounds a multipart submission: the poster plus form fields.
	maxEntryBody = media.MaxPosterBytes + 1<<20
)

// entryFormFields are the accepted multipart fields besides the image.
var entryFormFields = map[string]bool{
	"title": true, "type": true, "director": true, "budget": true,
	"location": true, "duration": true, "year": true,
}

type HTTPServer struct {
	service    *Service
	corsOrigin string
	production bool
	uploadsDir string
	limiter    *ipRateLimiter
	logger     *log.Logger
}

// NewHTTPServer builds the REST surface from the service configuration.
// Posters are served from disk only when no object store is configured.
func NewHTTPServer(service *Service) *HTTPServer {
	cfg := service.cfg
	server := &HTTPServer{
		service:    service,
		corsOrigin: cfg.CORSOrigin,
		production: cfg.Production(),
		limiter:    newIPRateLimiter(cfg.AuthRateLimitPerMinute, 5),
		logger:     service.logger,
	}
	if cfg.S3Endpoint == "" {
		server.uploadsDir = cfg.UploadsDir
	}
	return server
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withRequestContext)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)

		r.Route("/auth", func(r chi.Router) {
			r.With(s.rateLimited).Post("/register", s.handleRegister)
			r.With(s.rateLimited).Post("/login", s.handleLogin)
			r.Post("/logout", s.handleLogout)
			r.Get("/me", s.handleMe)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.authenticated)
			r.Get("/movies", s.handleListVisible)
			r.Get("/movies/user", s.handleListMine)
			r.Get("/movies/search", s.handleSearch)
			r.Post("/movies/create", s.handleCreateEntry)
			r.Get("/movies/{id}", s.handleGetEntry)
			r.Put("/movies/{id}", s.handleEditEntry)
			r.Delete("/movies/{id}", s.handleDeleteEntry)
		})

		// requireAction carries authentication itself.
		r.Group(func(r chi.Router) {
			r.Use(s.requireAction(rbac.ActionModerate))
			r.Get("/movies/all", s.handleListQueue)
			r.Patch("/movies/{id}/status", s.handleUpdateStatus)
			r.Get("/admin/movies/pending", s.handleListPending)
			r.Put("/admin/movies/approve/{id}", s.handleLegacyApprove)
		})
		r.With(s.requireAction(rbac.ActionManageUsers)).Get("/admin/users", s.handleListUsers)
	})

	if s.uploadsDir != "" {
		r.Handle("/uploads/*", http.StripPrefix("/uploads/", http.FileServer(http.Dir(s.uploadsDir))))
	}

	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		requestLogger(s.logger, r).Error("readiness check", "err", err)
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  "database unreachable",
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body authpw.RegisterRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	user, err := s.service.Register(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "User registered successfully",
		"user":    user,
	})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body authpw.LoginRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, err := s.service.Login(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.setSessionCookie(w, session.Token, int(auth.SessionTTL.Seconds()))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Login successful",
		"user":    session.User,
	})
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.service.Logout(r.Context(), requestToken(r))
	s.setSessionCookie(w, "", -1)
	writeJSON(w, http.StatusOK, map[string]any{"message": "Logged out successfully"})
}

func (s *HTTPServer) handleMe(w http.ResponseWriter, r *http.Request) {
	identity, err := s.service.Authenticate(r.Context(), requestToken(r))
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		writeError(w, http.StatusUnauthorized, "NOT_AUTHENTICATED", "Not authenticated", nil)
		return
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		writeError(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid token", nil)
		return
	case err != nil:
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": identity})
}

func (s *HTTPServer) setSessionCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.production,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *HTTPServer) handleListVisible(w http.ResponseWriter, r *http.Request) {
	params, ok := s.listingParams(w, r)
	if !ok {
		return
	}
	caller, _ := identityFrom(r.Context())
	page, err := s.service.ListVisible(r.Context(), caller, params)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleListMine(w http.ResponseWriter, r *http.Request) {
	params, ok := s.listingParams(w, r)
	if !ok {
		return
	}
	caller, _ := identityFrom(r.Context())
	page, err := s.service.ListMine(r.Context(), caller, params)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleListQueue(w http.ResponseWriter, r *http.Request) {
	params, ok := s.listingParams(w, r)
	if !ok {
		return
	}
	page, err := s.service.ListQueue(r.Context(), params)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	params, ok := s.listingParams(w, r)
	if !ok {
		return
	}
	caller, _ := identityFrom(r.Context())
	page, err := s.service.Search(r.Context(), caller, r.URL.Query().Get("q"), params)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	caller, _ := identityFrom(r.Context())
	entry, err := s.service.GetEntry(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"movie": entry})
}

func (s *HTTPServer) handleCreateEntry(w http.ResponseWriter, r *http.Request) {
	input, poster, err := decodeEntryForm(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	caller, _ := identityFrom(r.Context())
	entry, err := s.service.Create(r.Context(), caller, input, poster)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "Movie/TV Show submitted (pending approval)",
		"movie":   entry,
	})
}

func (s *HTTPServer) handleEditEntry(w http.ResponseWriter, r *http.Request) {
	input, poster, err := decodeEntryForm(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	caller, _ := identityFrom(r.Context())
	entry, err := s.service.Edit(r.Context(), caller, chi.URLParam(r, "id"), input, poster)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Movie updated (pending re-approval)",
		"movie":   entry,
	})
}

func (s *HTTPServer) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	caller, _ := identityFrom(r.Context())
	if err := s.service.SoftDelete(r.Context(), caller, chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Movie deleted successfully"})
}

func (s *HTTPServer) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	caller, _ := identityFrom(r.Context())
	entry, err := s.service.UpdateStatus(r.Context(), caller, chi.URLParam(r, "id"), body.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("Movie status updated to %s", entry.Status),
		"movie":   entry,
	})
}

func (s *HTTPServer) handleListPending(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.ListPending(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *HTTPServer) handleLegacyApprove(w http.ResponseWriter, r *http.Request) {
	caller, _ := identityFrom(r.Context())
	entry, err := s.service.UpdateStatus(r.Context(), caller, chi.URLParam(r, "id"), "approved")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Movie approved successfully",
		"movie":   entry,
	})
}

func (s *HTTPServer) handleListUsers(w http.ResponseWriter, r *http.Request) {
	caller, _ := identityFrom(r.Context())
	users, err := s.service.ListUsers(r.Context(), caller)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *HTTPServer) listingParams(w http.ResponseWriter, r *http.Request) (listing.Params, bool) {
	params, err := listing.ParseParams(r.URL.Query())
	if err != nil {
		s.fail(w, r, err)
		return listing.Params{}, false
	}
	return params, true
}

// fail writes err through mapError. Anything that lands on a 500 is logged
// with the request ID; clients only see the generic message.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		requestLogger(s.logger, r).Error("request failed", "path", r.URL.Path, "err", err)
	}
	writeError(w, status, code, message, details)
}

// decodeEntryForm reads an entry submission. multipart/form-data is the normal
// path, with the poster in the "image" field; a JSON body is accepted for
// submissions without a poster.
func decodeEntryForm(w http.ResponseWriter, r *http.Request) (EntryInput, *media.Poster, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var input EntryInput
		if err := decodeBody(r, &input); err != nil {
			return EntryInput{}, nil, domainError(http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		}
		return input, nil, nil
	}
	if mediaType != "multipart/form-data" {
		return EntryInput{}, nil, domainError(http.StatusBadRequest, "INVALID_BODY", "expected multipart/form-data", nil)
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxEntryBody)
	if err := r.ParseMultipartForm(maxEntryBody); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return EntryInput{}, nil, domainError(http.StatusBadRequest, "INVALID_IMAGE", media.ErrInvalidImage.Error(), nil)
		}
		return EntryInput{}, nil, domainError(http.StatusBadRequest, "INVALID_BODY", "invalid multipart body", nil)
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	form := r.MultipartForm
	unknown := map[string]string{}
	for field := range form.Value {
		if !entryFormFields[field] {
			unknown[field] = "is not a recognised field"
		}
	}
	for field := range form.File {
		if field != "image" {
			unknown[field] = "is not a recognised field"
		}
	}
	if len(unknown) > 0 {
		return EntryInput{}, nil, validationError(unknown)
	}

	first := func(field string) string {
		if values := form.Value[field]; len(values) > 0 {
			return values[0]
		}
		return ""
	}
	input := EntryInput{
		Title:    first("title"),
		Type:     first("type"),
		Director: first("director"),
		Budget:   first("budget"),
		Location: first("location"),
		Duration: first("duration"),
		Year:     first("year"),
	}

	poster, err := posterFromForm(form)
	if err != nil {
		return EntryInput{}, nil, err
	}
	return input, poster, nil
}

func posterFromForm(form *multipart.Form) (*media.Poster, error) {
	files := form.File["image"]
	if len(files) == 0 {
		return nil, nil
	}
	if len(files) > 1 {
		return nil, domainError(http.StatusBadRequest, "INVALID_IMAGE", "only one image may be uploaded", nil)
	}
	poster, err := media.ValidatePoster(files[0])
	if err != nil {
		return nil, domainError(http.StatusBadRequest, "INVALID_IMAGE", media.ErrInvalidImage.Error(), nil)
	}
	return &poster, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// decodeBody decodes a single JSON object and rejects unknown fields.
func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		if field, ok := strings.CutPrefix(err.Error(), "json: unknown field "); ok {
			return fmt.Errorf("unknown field %s", field)
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var listingErr listing.Errors
	if errors.As(err, &listingErr) {
		return http.StatusBadRequest, "VALIDATION_ERROR", "Invalid query parameters", map[string]string(listingErr)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
