// Package httpapi exposes the certificate manager as a JSON HTTP API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/caasmo/restinpieces-letsencrypt"
)

// Service is the part of *acme.Manager the API serves.
type Service interface {
	Add(ctx context.Context, req acme.CertificateRequest) (*acme.Record, error)
	AddAsync(req acme.CertificateRequest) error
	Renew(ctx context.Context, name string) (*acme.Record, error)
	Delete(ctx context.Context, name string) error
	Revoke(ctx context.Context, name string) (*acme.Record, error)
	Restore(ctx context.Context, name string) (*acme.Record, error)
	Get(ctx context.Context, name string) (*acme.Record, error)
	List(ctx context.Context) ([]acme.Summary, error)
	Download(ctx context.Context, name string) (*acme.Download, error)
	Events(ctx context.Context, name string, limit int) ([]acme.Event, error)
}

// AddRequest is the body of POST /certificates. With Async set the call
// returns 202 and issuance continues in the background.
type AddRequest struct {
	Name              string   `json:"name"`
	PrimaryDomain     string   `json:"primary_domain"`
	AdditionalDomains []string `json:"additional_domains"`
	Email             string   `json:"email"`
	Async             bool     `json:"async"`
}

// Certificate is the detail view of a record.
type Certificate struct {
	acme.Summary
	RemainingDays int    `json:"remaining_days"`
	CertPEM       string `json:"cert_pem,omitempty"`
	ChainPEM      string `json:"chain_pem,omitempty"`
}

type EventView struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Op        string    `json:"op"`
	Domains   []string  `json:"domains,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

type Handler struct {
	svc    Service
	logger *slog.Logger
}

// New returns the API router.
func New(svc Service, logger *slog.Logger) http.Handler {
	if svc == nil || logger == nil {
		panic("httpapi.New: received nil service or logger")
	}
	h := &Handler{svc: svc, logger: logger.With("component", "httpapi")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(h.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Route("/certificates", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.add)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Delete("/", h.delete)
			r.Get("/download", h.download)
			r.Get("/events", h.events)
			r.Post("/renew", h.renew)
			r.Post("/revoke", h.revoke)
			r.Post("/restore", h.restore)
		})
	})
	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("Request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.List(r.Context())
	if err != nil {
		h.error(w, r, err)
		return
	}
	if list == nil {
		list = []acme.Summary{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) add(w http.ResponseWriter, r *http.Request) {
	var body AddRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}
	req := acme.CertificateRequest{
		Name:              body.Name,
		PrimaryDomain:     body.PrimaryDomain,
		AdditionalDomains: body.AdditionalDomains,
		Email:             body.Email,
	}

	if body.Async {
		if err := h.svc.AddAsync(req); err != nil {
			h.error(w, r, err)
			return
		}
		w.Header().Set("Location", "/certificates/"+req.Name)
		writeJSON(w, http.StatusAccepted, map[string]string{"name": req.Name, "state": string(acme.StateProvisioning)})
		return
	}

	rec, err := h.svc.Add(r.Context(), req)
	if err != nil {
		h.error(w, r, err)
		return
	}
	w.Header().Set("Location", "/certificates/"+rec.Name)
	writeJSON(w, http.StatusCreated, view(rec, false))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view(rec, r.URL.Query().Get("pem") == "1"))
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) renew(w http.ResponseWriter, r *http.Request) {
	h.recordOp(w, r, h.svc.Renew)
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	h.recordOp(w, r, h.svc.Revoke)
}

func (h *Handler) restore(w http.ResponseWriter, r *http.Request) {
	h.recordOp(w, r, h.svc.Restore)
}

func (h *Handler) recordOp(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*acme.Record, error)) {
	rec, err := op(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view(rec, false))
}

// download serves the certificate as a file attachment.
func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	dl, err := h.svc.Download(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.error(w, r, err)
		return
	}
	hdr := w.Header()
	hdr.Set("Content-Description", "File Transfer")
	hdr.Set("Content-Type", dl.ContentType)
	hdr.Set("Content-Disposition", "attachment; filename="+dl.Filename)
	hdr.Set("Content-Transfer-Encoding", "binary")
	hdr.Set("Expires", "0")
	hdr.Set("Cache-Control", "must-revalidate, post-check=0, pre-check=0")
	hdr.Set("Pragma", "public")
	hdr.Set("Content-Length", strconv.Itoa(len(dl.Body)))
	w.WriteHeader(http.StatusOK)
	w.Write(dl.Body)
}

func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	events, err := h.svc.Events(r.Context(), chi.URLParam(r, "name"), limit)
	if err != nil {
		h.error(w, r, err)
		return
	}
	out := make([]EventView, 0, len(events))
	for _, ev := range events {
		out = append(out, EventView{
			ID:        ev.ID,
			Kind:      string(ev.Kind),
			Op:        ev.Op,
			Domains:   ev.Domains,
			ExpiresAt: ev.ExpiresAt,
			Error:     ev.Error,
			CreatedAt: ev.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func view(rec *acme.Record, withPEM bool) Certificate {
	c := Certificate{Summary: rec.Summary()}
	if !rec.ExpiresAt.IsZero() {
		c.RemainingDays = int(rec.RemainingValidity(time.Now()).Hours() / 24)
	}
	if withPEM {
		c.CertPEM = string(rec.CertPEM)
		c.ChainPEM = string(rec.ChainPEM)
	}
	return c
}

// statusOf maps an error to its HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, acme.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, acme.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, acme.ErrExists), errors.Is(err, acme.ErrLocked):
		return http.StatusConflict
	case errors.Is(err, acme.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, acme.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, acme.ErrChallengeFailed), errors.Is(err, acme.ErrProcess):
		return http.StatusBadGateway
	case errors.Is(err, acme.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) error(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	resp := errorResponse{Error: err.Error()}

	var verrs acme.ValidationErrors
	var verr *acme.ValidationError
	switch {
	case errors.As(err, &verrs):
		resp.Fields = make(map[string]string, len(verrs))
		for _, v := range verrs {
			resp.Fields[v.Field] = v.Reason
		}
	case errors.As(err, &verr):
		resp.Fields = map[string]string{verr.Field: verr.Reason}
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		resp.Error = http.StatusText(status)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
