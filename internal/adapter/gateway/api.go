package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"isa-warehouse/internal/domain"
)

const maxBodyBytes = 1 << 20

// Records is the record service surface the API exposes.
type Records interface {
	Create(ctx context.Context, model string, rec domain.Record) (domain.Record, error)
	Get(ctx context.Context, model, id string) (domain.Record, error)
	Update(ctx context.Context, model string, patch domain.Record) (domain.Record, error)
	Delete(ctx context.Context, model, id string) error
	Search(ctx context.Context, model string, q domain.SearchQuery) ([]domain.Record, error)
	Count(ctx context.Context, model string, filters map[string]any) (int, error)
	ParseFilters(model string, raw map[string]string) (map[string]any, error)
}

// API serves the JSON HTTP surface: permissions and record CRUD.
type API struct {
	records   Records
	resolver  domain.PermissionResolver
	auth      Authenticator
	resources []string // resolved when a permissions request names none
	logger    *slog.Logger
}

// NewAPI creates the HTTP API.
func NewAPI(records Records, resolver domain.PermissionResolver, auth Authenticator, resources []string, logger *slog.Logger) *API {
	res := append([]string(nil), resources...)
	sort.Strings(res)
	return &API{records: records, resolver: resolver, auth: auth, resources: res, logger: logger}
}

// Register mounts the API routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.Handle("GET /api/v1/permissions", a.authenticated(a.handlePermissions))
	mux.Handle("POST /api/v1/records/{model}", a.authenticated(a.handleCreate))
	mux.Handle("GET /api/v1/records/{model}", a.authenticated(a.handleSearch))
	mux.Handle("GET /api/v1/records/{model}/_count", a.authenticated(a.handleCount))
	mux.Handle("GET /api/v1/records/{model}/{id}", a.authenticated(a.handleGet))
	mux.Handle("PUT /api/v1/records/{model}/{id}", a.authenticated(a.handleUpdate))
	mux.Handle("DELETE /api/v1/records/{model}/{id}", a.authenticated(a.handleDelete))
}

// authenticated resolves the bearer token and stores the principal in the
// request context.
func (a *API) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.auth.Authenticate(bearerToken(r))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="isa-warehouse"`)
			a.writeError(w, r, err)
			return
		}
		next(w, r.WithContext(domain.ContextWithPrincipal(r.Context(), p)))
	})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// PermissionsResponse is the body of GET /api/v1/permissions.
type PermissionsResponse struct {
	User        string                     `json:"user"`
	Roles       []string                   `json:"roles"`
	Permissions map[string][]domain.Action `json:"permissions"`
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	p, _ := domain.PrincipalFromContext(r.Context())
	resources := r.URL.Query()["resource"]
	if len(resources) == 0 {
		resources = a.resources
	}

	result := a.resolver.Resolve(r.Context(), p.User, p.Roles, resources)
	resp := PermissionsResponse{
		User:        p.User,
		Roles:       p.Roles,
		Permissions: make(map[string][]domain.Action, len(result)),
	}
	for res, set := range result {
		resp.Permissions[res] = set.Sorted()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	rec, err := decodeRecord(w, r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out, err := a.records.Create(r.Context(), r.PathValue("model"), rec)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	out, err := a.records.Get(r.Context(), r.PathValue("model"), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleUpdate(w http.ResponseWriter, r *http.Request) {
	patch, err := decodeRecord(w, r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	id := r.PathValue("id")
	if bodyID, ok := patch[domain.IDField]; ok && bodyID != id {
		a.writeError(w, r, invalidInput("Gateway.Update", "body id does not match path"))
		return
	}
	patch[domain.IDField] = id

	out, err := a.records.Update(r.Context(), r.PathValue("model"), patch)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.records.Delete(r.Context(), r.PathValue("model"), r.PathValue("id")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SearchResponse is the body of GET /api/v1/records/{model}.
type SearchResponse struct {
	Records []domain.Record `json:"records"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	model := r.PathValue("model")
	q, err := a.parseQuery(model, r, true)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	recs, err := a.records.Search(r.Context(), model, q)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []domain.Record{}
	}
	writeJSON(w, http.StatusOK, SearchResponse{Records: recs, Limit: q.Limit, Offset: q.Offset})
}

func (a *API) handleCount(w http.ResponseWriter, r *http.Request) {
	model := r.PathValue("model")
	q, err := a.parseQuery(model, r, false)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	n, err := a.records.Count(r.Context(), model, q.Filters)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

// parseQuery reads paging parameters and treats every other query
// parameter as a field filter. An order_by prefixed with "-" sorts descending.
func (a *API) parseQuery(model string, r *http.Request, paging bool) (domain.SearchQuery, error) {
	var q domain.SearchQuery
	raw := make(map[string]string)
	for key, values := range r.URL.Query() {
		v := values[0]
		switch {
		case paging && key == "limit":
			n, err := strconv.Atoi(v)
			if err != nil {
				return q, invalidInput("Gateway.Search", "limit must be an integer")
			}
			q.Limit = n
		case paging && key == "offset":
			n, err := strconv.Atoi(v)
			if err != nil {
				return q, invalidInput("Gateway.Search", "offset must be an integer")
			}
			q.Offset = n
		case paging && key == "order_by":
			q.OrderBy, q.Desc = strings.CutPrefix(v, "-")
		default:
			raw[key] = v
		}
	}
	if len(raw) == 0 {
		return q, nil
	}
	filters, err := a.records.ParseFilters(model, raw)
	if err != nil {
		return q, err
	}
	q.Filters = filters
	return q, nil
}

func decodeRecord(w http.ResponseWriter, r *http.Request) (domain.Record, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var rec domain.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		return nil, invalidInput("Gateway.decode", "body must be a JSON object: "+err.Error())
	}
	if rec == nil {
		return nil, invalidInput("Gateway.decode", "body must be a JSON object")
	}
	return rec, nil
}

func invalidInput(op, detail string) error {
	return domain.NewSubSystemError("records", op, domain.ErrInvalidInput, detail)
}

// ErrorResponse is the body written for every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusOf maps an error to its HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrAuthInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden), errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrUnknownModel),
		errors.Is(err, domain.ErrLimitReached):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", domain.RequestIDFromContext(r.Context()),
			"error", err,
		)
		msg = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Code: string(domain.ErrorCodeOf(err))})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
