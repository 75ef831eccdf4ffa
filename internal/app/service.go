package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-playground/validator/v10"

	"reelqueue/api/internal/auth"
	"reelqueue/api/internal/authpw"
	"reelqueue/api/internal/config"
	"reelqueue/api/internal/listing"
	"reelqueue/api/internal/media"
	"reelqueue/api/internal/moderation"
	"reelqueue/api/internal/rbac"
	"reelqueue/api/internal/search"
	"reelqueue/api/internal/store"
	"reelqueue/api/internal/util"
)

// Store is the persistence the service needs; *store.PostgresStore implements it.
type Store interface {
	CreateUser(context.Context, store.User) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	ListUsers(context.Context) ([]store.User, error)
	InsertEntry(context.Context, store.Entry) (store.Entry, error)
	GetEntry(context.Context, string) (store.Entry, error)
	GetEntriesByIDs(context.Context, []string) ([]store.Entry, error)
	UpdateEntry(context.Context, store.Entry) (store.Entry, error)
	SetEntryStatus(context.Context, string, string) (store.Entry, error)
	SoftDeleteEntry(context.Context, string, time.Time) error
	ListEntries(context.Context, listing.Query) ([]store.Entry, int, error)
	Ping(context.Context) error
}

type RevocationStore interface {
	RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type SearchIndex interface {
	Search(ctx context.Context, q search.Query) ([]string, int)
	IndexEntry(entry search.EntryRecord)
	DeleteEntry(id string)
}

type Notifier interface {
	IsConfigured() bool
	SendModerationNotice(to, userName, entryTitle, entryType, status string) error
}

// Deps wires the service. Store is required; the rest may be nil.
type Deps struct {
	Store       Store
	Revocations RevocationStore
	Search      SearchIndex
	Posters     media.Storage
	Notifier    Notifier
	Logger      *log.Logger
}

type Service struct {
	cfg         config.Config
	store       Store
	revocations RevocationStore
	passwords   *authpw.Service
	search      SearchIndex
	posters     media.Storage
	notifier    Notifier
	validate    *validator.Validate
	logger      *log.Logger
	now         func() time.Time
	notices     sync.WaitGroup
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = util.Discard()
	}
	return &Service{
		cfg:         cfg,
		store:       deps.Store,
		revocations: deps.Revocations,
		passwords:   authpw.NewService(deps.Store),
		search:      deps.Search,
		posters:     deps.Posters,
		notifier:    deps.Notifier,
		validate:    util.NewValidator(),
		logger:      logger,
		now:         time.Now,
	}
}

// UserView is the public projection of a user; the password hash never
// leaves the service.
type UserView struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type EntryView struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Type      string    `json:"type"`
	Director  string    `json:"director"`
	Budget    string    `json:"budget"`
	Location  string    `json:"location"`
	Duration  string    `json:"duration"`
	Year      string    `json:"year"`
	Image     *string   `json:"image"`
	UserID    string    `json:"userId"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Page struct {
	Movies  []EntryView `json:"movies"`
	HasMore bool        `json:"hasMore"`
	Total   int         `json:"total"`
	Page    int         `json:"page"`
	Limit   int         `json:"limit"`
}

// EntryInput carries the submitted fields. On edit, blank fields keep the
// stored value before validation runs.
type EntryInput struct {
	Title    string `json:"title" validate:"required,max=200"`
	Type     string `json:"type" validate:"required,oneof='Movie' 'TV Show'"`
	Director string `json:"director" validate:"max=200"`
	Budget   string `json:"budget" validate:"max=64"`
	Location string `json:"location" validate:"max=200"`
	Duration string `json:"duration" validate:"max=64"`
	Year     string `json:"year" validate:"required,max=16"`
}

func (in EntryInput) trimmed() EntryInput {
	return EntryInput{
		Title:    strings.TrimSpace(in.Title),
		Type:     strings.TrimSpace(in.Type),
		Director: strings.TrimSpace(in.Director),
		Budget:   strings.TrimSpace(in.Budget),
		Location: strings.TrimSpace(in.Location),
		Duration: strings.TrimSpace(in.Duration),
		Year:     strings.TrimSpace(in.Year),
	}
}

// Session is an issued login token.
type Session struct {
	Token     string
	ExpiresAt time.Time
	User      auth.Identity
}

func userView(user store.User) UserView {
	return UserView{ID: user.ID, Name: user.Name, Email: user.Email, Role: user.Role}
}

func entryView(entry store.Entry) EntryView {
	view := EntryView{
		ID:        entry.ID,
		Title:     entry.Title,
		Type:      entry.Type,
		Director:  entry.Director,
		Budget:    entry.Budget,
		Location:  entry.Location,
		Duration:  entry.Duration,
		Year:      entry.Year,
		UserID:    entry.OwnerID,
		Status:    entry.Status,
		CreatedAt: entry.CreatedAt,
		UpdatedAt: entry.UpdatedAt,
	}
	if entry.Image != "" {
		image := entry.Image
		view.Image = &image
	}
	return view
}

func entryViews(entries []store.Entry) []EntryView {
	views := make([]EntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, entryView(entry))
	}
	return views
}

func searchRecord(entry store.Entry) search.EntryRecord {
	return search.EntryRecord{
		ID:        entry.ID,
		Title:     entry.Title,
		Type:      entry.Type,
		Year:      entry.Year,
		Status:    entry.Status,
		Deleted:   entry.Deleted,
		OwnerID:   entry.OwnerID,
		CreatedAt: entry.CreatedAt,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Register(ctx context.Context, req authpw.RegisterRequest) (UserView, error) {
	user, err := s.passwords.Register(ctx, req)
	if err != nil {
		var fields util.FieldErrors
		switch {
		case errors.As(err, &fields):
			return UserView{}, validationError(fields)
		case errors.Is(err, authpw.ErrEmailTaken):
			return UserView{}, domainError(http.StatusBadRequest, "REGISTRATION_FAILED", "Registration failed", nil)
		}
		s.logger.Error("register user", "err", err)
		return UserView{}, errServer
	}
	s.logger.Info("user registered", "user_id", user.ID)
	return userView(user), nil
}

func (s *Service) Login(ctx context.Context, req authpw.LoginRequest) (Session, error) {
	user, err := s.passwords.Login(ctx, req)
	if err != nil {
		var fields util.FieldErrors
		switch {
		case errors.As(err, &fields):
			return Session{}, validationError(fields)
		case errors.Is(err, authpw.ErrUserNotFound):
			return Session{}, domainError(http.StatusNotFound, "USER_NOT_FOUND", "User not found", nil)
		case errors.Is(err, authpw.ErrInvalidCredentials):
			return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid credentials", nil)
		}
		s.logger.Error("login", "err", err)
		return Session{}, errServer
	}

	identity := auth.Identity{ID: user.ID, Email: user.Email, Role: string(rbac.Normalize(user.Role))}
	token, expiresAt, err := auth.IssueToken([]byte(s.cfg.JWTSecret), identity, util.NewID("jti"), s.now())
	if err != nil {
		s.logger.Error("issue token", "user_id", user.ID, "err", err)
		return Session{}, errServer
	}
	return Session{Token: token, ExpiresAt: expiresAt, User: identity}, nil
}

// Logout revokes token until its natural expiry. Invalid or missing tokens
// are ignored.
func (s *Service) Logout(ctx context.Context, token string) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil || s.revocations == nil {
		return
	}
	if err := s.revocations.RevokeToken(ctx, claims.RegisteredClaims.ID, claims.Expiry()); err != nil {
		s.logger.Error("revoke token", "user_id", claims.ID, "err", err)
	}
}

// Authenticate verifies a token and returns the identity embedded in it.
// Revoked tokens report auth.ErrInvalidToken.
func (s *Service) Authenticate(ctx context.Context, token string) (auth.Identity, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return auth.Identity{}, err
	}
	if s.revocations != nil {
		revoked, err := s.revocations.IsTokenRevoked(ctx, claims.RegisteredClaims.ID)
		if err != nil {
			return auth.Identity{}, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return auth.Identity{}, auth.ErrInvalidToken
		}
	}
	return claims.Identity(), nil
}

func (s *Service) ListUsers(ctx context.Context, caller auth.Identity) ([]UserView, error) {
	if !rbac.Can(rbac.Normalize(caller.Role), rbac.ActionManageUsers) {
		return nil, errForbidden
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		s.logger.Error("list users", "err", err)
		return nil, errServer
	}
	views := make([]UserView, 0, len(users))
	for _, user := range users {
		views = append(views, userView(user))
	}
	return views, nil
}

// liveEntry is the single lookup for detail and mutation paths: absent and
// soft-deleted rows are both not found.
func (s *Service) liveEntry(ctx context.Context, entryID string) (store.Entry, error) {
	entry, err := s.store.GetEntry(ctx, entryID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Entry{}, errNotFound
	}
	if err != nil {
		s.logger.Error("get entry", "entry_id", entryID, "err", err)
		return store.Entry{}, errServer
	}
	if entry.State() == moderation.Deleted {
		return store.Entry{}, errNotFound
	}
	return entry, nil
}

// GetEntry returns an entry visible to the caller in the general listing.
// Admins can read any live entry.
func (s *Service) GetEntry(ctx context.Context, caller auth.Identity, entryID string) (EntryView, error) {
	entry, err := s.liveEntry(ctx, entryID)
	if err != nil {
		return EntryView{}, err
	}
	if rbac.Can(rbac.Normalize(caller.Role), rbac.ActionModerate) {
		return entryView(entry), nil
	}
	if !moderation.Visible(moderation.ScopeGeneral, caller.ID, entry.State(), entry.OwnerID) {
		return EntryView{}, errNotFound
	}
	return entryView(entry), nil
}

func (s *Service) validateEntry(input EntryInput) error {
	if err := util.Validate(s.validate, input); err != nil {
		var fields util.FieldErrors
		if errors.As(err, &fields) {
			return validationError(fields)
		}
		return err
	}
	return nil
}

// storePoster uploads a validated poster and returns its URL.
func (s *Service) storePoster(ctx context.Context, poster *media.Poster) (string, error) {
	if poster == nil {
		return "", nil
	}
	if s.posters == nil {
		return "", domainError(http.StatusBadRequest, "INVALID_IMAGE", "Poster uploads are not enabled", nil)
	}
	key := media.Key(s.now(), poster.Ext)
	url, err := s.posters.Put(ctx, key, poster.ContentType, poster.Reader(), poster.Size())
	if err != nil {
		s.logger.Error("store poster", "key", key, "err", err)
		return "", errServer
	}
	return url, nil
}

func (s *Service) removePoster(url string) {
	if url == "" || s.posters == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.posters.Remove(ctx, url); err != nil {
		s.logger.Warn("remove poster", "url", url, "err", err)
	}
}

func (s *Service) indexEntry(entry store.Entry) {
	if s.search != nil {
		s.search.IndexEntry(searchRecord(entry))
	}
}

// Create stores a new pending entry owned by caller.
func (s *Service) Create(ctx context.Context, caller auth.Identity, input EntryInput, poster *media.Poster) (EntryView, error) {
	input = input.trimmed()
	if err := s.validateEntry(input); err != nil {
		return EntryView{}, err
	}

	imageURL, err := s.storePoster(ctx, poster)
	if err != nil {
		return EntryView{}, err
	}

	entry, err := s.store.InsertEntry(ctx, store.Entry{
		ID:       util.NewID(""),
		Title:    input.Title,
		Type:     input.Type,
		Director: input.Director,
		Budget:   input.Budget,
		Location: input.Location,
		Duration: input.Duration,
		Year:     input.Year,
		Image:    imageURL,
		OwnerID:  caller.ID,
		Status:   string(moderation.StatusPending),
	})
	if err != nil {
		s.logger.Error("insert entry", "user_id", caller.ID, "err", err)
		s.removePoster(imageURL)
		return EntryView{}, errServer
	}

	s.indexEntry(entry)
	s.logger.Info("entry submitted", "entry_id", entry.ID, "user_id", caller.ID)
	return entryView(entry), nil
}

func (s *Service) authorizeModify(caller auth.Identity, entry store.Entry) error {
	if !rbac.CanModify(rbac.Normalize(caller.Role), caller.ID, entry.OwnerID) {
		return errForbidden
	}
	return nil
}

// Edit merges non-blank fields over the stored entry and sends it back to
// review. A new poster replaces the old one.
func (s *Service) Edit(ctx context.Context, caller auth.Identity, entryID string, input EntryInput, poster *media.Poster) (EntryView, error) {
	entry, err := s.liveEntry(ctx, entryID)
	if err != nil {
		return EntryView{}, err
	}
	if err := s.authorizeModify(caller, entry); err != nil {
		return EntryView{}, err
	}

	merged := mergeEntry(entry, input.trimmed())
	if err := s.validateEntry(EntryInput{
		Title:    merged.Title,
		Type:     merged.Type,
		Director: merged.Director,
		Budget:   merged.Budget,
		Location: merged.Location,
		Duration: merged.Duration,
		Year:     merged.Year,
	}); err != nil {
		return EntryView{}, err
	}

	newImage, err := s.storePoster(ctx, poster)
	if err != nil {
		return EntryView{}, err
	}
	oldImage := ""
	if newImage != "" {
		oldImage = merged.Image
		merged.Image = newImage
	}
	merged.Status = string(moderation.StatusPending)

	updated, err := s.store.UpdateEntry(ctx, merged)
	if err != nil {
		s.removePoster(newImage)
		if errors.Is(err, sql.ErrNoRows) {
			return EntryView{}, errNotFound
		}
		s.logger.Error("update entry", "entry_id", entryID, "err", err)
		return EntryView{}, errServer
	}
	s.removePoster(oldImage)

	s.indexEntry(updated)
	return entryView(updated), nil
}

func mergeEntry(entry store.Entry, input EntryInput) store.Entry {
	keep := func(current *string, next string) {
		if next != "" {
			*current = next
		}
	}
	keep(&entry.Title, input.Title)
	keep(&entry.Type, input.Type)
	keep(&entry.Director, input.Director)
	keep(&entry.Budget, input.Budget)
	keep(&entry.Location, input.Location)
	keep(&entry.Duration, input.Duration)
	keep(&entry.Year, input.Year)
	return entry
}

func (s *Service) SoftDelete(ctx context.Context, caller auth.Identity, entryID string) error {
	entry, err := s.liveEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if err := s.authorizeModify(caller, entry); err != nil {
		return err
	}

	if err := s.store.SoftDeleteEntry(ctx, entryID, s.now()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound
		}
		s.logger.Error("soft delete entry", "entry_id", entryID, "err", err)
		return errServer
	}
	if s.search != nil {
		s.search.DeleteEntry(entryID)
	}
	s.logger.Info("entry deleted", "entry_id", entryID, "user_id", caller.ID)
	return nil
}

// UpdateStatus applies an administrator decision. Repeating the current
// decision returns the entry unchanged.
func (s *Service) UpdateStatus(ctx context.Context, caller auth.Identity, entryID, rawStatus string) (EntryView, error) {
	if !rbac.Can(rbac.Normalize(caller.Role), rbac.ActionModerate) {
		return EntryView{}, errForbidden
	}
	decision, err := moderation.ParseDecision(strings.TrimSpace(rawStatus))
	if err != nil {
		return EntryView{}, domainError(http.StatusBadRequest, "INVALID_STATUS", "Invalid status. Must be 'approved' or 'rejected'", nil)
	}

	entry, err := s.liveEntry(ctx, entryID)
	if err != nil {
		return EntryView{}, err
	}

	changed, err := moderation.Decide(entry.State(), decision)
	switch {
	case errors.Is(err, moderation.ErrDeleted):
		return EntryView{}, errNotFound
	case errors.Is(err, moderation.ErrInvalidTransition):
		return EntryView{}, domainError(http.StatusConflict, "INVALID_TRANSITION",
			fmt.Sprintf("Movie is already %s; it must be edited before it can be %s", entry.Status, decision), nil)
	case err != nil:
		return EntryView{}, domainError(http.StatusBadRequest, "INVALID_STATUS", "Invalid status. Must be 'approved' or 'rejected'", nil)
	}
	if !changed {
		return entryView(entry), nil
	}

	updated, err := s.store.SetEntryStatus(ctx, entryID, string(decision))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return EntryView{}, errNotFound
		}
		s.logger.Error("set entry status", "entry_id", entryID, "err", err)
		return EntryView{}, errServer
	}

	s.indexEntry(updated)
	s.notifyOwner(updated)
	s.logger.Info("entry moderated", "entry_id", entryID, "status", decision, "admin_id", caller.ID)
	return entryView(updated), nil
}

// notifyOwner e-mails the owner in the background when SMTP is configured.
func (s *Service) notifyOwner(entry store.Entry) {
	if s.notifier == nil || !s.notifier.IsConfigured() {
		return
	}
	s.notices.Add(1)
	go func() {
		defer s.notices.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		owner, err := s.store.GetUserByID(ctx, entry.OwnerID)
		if err != nil {
			s.logger.Warn("moderation notice: load owner", "entry_id", entry.ID, "err", err)
			return
		}
		if err := s.notifier.SendModerationNotice(owner.Email, owner.Name, entry.Title, entry.Type, entry.Status); err != nil {
			s.logger.Warn("moderation notice: send", "entry_id", entry.ID, "err", err)
		}
	}()
}

// Wait blocks until moderation notices already started have been sent or
// have failed.
func (s *Service) Wait() {
	s.notices.Wait()
}

func (s *Service) list(ctx context.Context, scope moderation.Scope, viewerID string, params listing.Params) (Page, error) {
	query := listing.Build(scope, viewerID, params)
	entries, total, err := s.store.ListEntries(ctx, query)
	if err != nil {
		s.logger.Error("list entries", "scope", scope, "err", err)
		return Page{}, errServer
	}
	return Page{
		Movies:  entryViews(entries),
		HasMore: listing.HasMore(total, query.Offset, len(entries)),
		Total:   total,
		Page:    params.Page,
		Limit:   params.Limit,
	}, nil
}

// ListVisible is the general listing: approved entries plus the caller's own.
func (s *Service) ListVisible(ctx context.Context, caller auth.Identity, params listing.Params) (Page, error) {
	return s.list(ctx, moderation.ScopeGeneral, caller.ID, params)
}

func (s *Service) ListMine(ctx context.Context, caller auth.Identity, params listing.Params) (Page, error) {
	return s.list(ctx, moderation.ScopeMine, caller.ID, params)
}

// ListQueue is the administrative triage view of everything not rejected.
func (s *Service) ListQueue(ctx context.Context, params listing.Params) (Page, error) {
	return s.list(ctx, moderation.ScopeQueue, "", params)
}

// ListPending returns every pending entry, oldest first, without paging.
func (s *Service) ListPending(ctx context.Context) ([]EntryView, error) {
	params := listing.DefaultParams()
	params.Unbounded = true
	params.SortDesc = false
	page, err := s.list(ctx, moderation.ScopePending, "", params)
	if err != nil {
		return nil, err
	}
	return page.Movies, nil
}

// Search runs a title search in the general scope. Hits are reloaded from
// the database and re-checked, so a stale index never leaks an entry.
func (s *Service) Search(ctx context.Context, caller auth.Identity, text string, params listing.Params) (Page, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Page{}, validationError(map[string]string{"q": "is required"})
	}
	if s.search == nil {
		params.Search = text
		return s.list(ctx, moderation.ScopeGeneral, caller.ID, params)
	}

	ids, total := s.search.Search(ctx, search.Query{
		Text:     text,
		Scope:    moderation.ScopeGeneral,
		ViewerID: caller.ID,
		Limit:    params.Limit,
		Offset:   params.Offset(),
	})
	entries, err := s.store.GetEntriesByIDs(ctx, ids)
	if err != nil {
		s.logger.Error("load search hits", "err", err)
		return Page{}, errServer
	}

	byID := make(map[string]store.Entry, len(entries))
	for _, entry := range entries {
		byID[entry.ID] = entry
	}
	visible := make([]store.Entry, 0, len(ids))
	for _, id := range ids {
		entry, ok := byID[id]
		if !ok || !moderation.Visible(moderation.ScopeGeneral, caller.ID, entry.State(), entry.OwnerID) {
			continue
		}
		visible = append(visible, entry)
	}

	page := newPage(entryViews(visible), listing.HasMore(total, params.Offset(), len(ids)), params)
	page.Total = total
	return page, nil
}

func newPage(movies []EntryView, hasMore bool, params listing.Params) Page {
	if movies == nil {
		movies = []EntryView{}
	}
	return Page{Movies: movies, HasMore: hasMore, Page: params.Page, Limit: params.Limit}
}
