/*
 * Credential Broker
 * Copyright (C) 2025  TIS Records
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package web is the HTTP surface of the broker: the verification and
// issuance endpoints behind their admission filters, the gateway
// callbacks, and the health and metrics endpoints.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tisrecords/credbroker"
	"github.com/tisrecords/credbroker/lib/issue"
	"github.com/tisrecords/credbroker/lib/metadata"
	"github.com/tisrecords/credbroker/lib/verify"
)

// verifier is the subset of the verification service the handler needs.
type verifier interface {
	Start(ctx context.Context, authToken string, identity verify.Identity, clientState string) (string, error)
	Complete(ctx context.Context, code, state, errorCode, errorDescription string) string
	HasVerifiedSession(ctx context.Context, authToken string) (bool, error)
}

// issuer is the subset of the issuance service the handler needs.
type issuer interface {
	Start(ctx context.Context, authToken string, credential issue.Credential, clientState string) (string, error)
	Complete(ctx context.Context, code, state, errorCode, errorDescription string) string
}

// lastModifiedSource is the subset of the revocation service the
// signed-data filter needs.
type lastModifiedSource interface {
	LastModifiedDate(ctx context.Context, tisID string, credentialType metadata.CredentialType) (time.Time, error)
}

// Config configures a Handler.
type Config struct {
	// Verify drives identity verification (required).
	Verify verifier
	// Issue drives credential issuance (required).
	Issue issuer
	// LastModified reports record modification times for the signed-data
	// filter (required).
	LastModified lastModifiedSource
	// SignatureKey is the shared secret inbound payloads are signed with
	// (required).
	SignatureKey []byte
	// HealthChecks are probed by the health endpoint, keyed by component
	// name.
	HealthChecks map[string]func(ctx context.Context) error
	// Clock is used to validate signature windows.
	Clock clockwork.Clock
	// Logger emits log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Verify == nil {
		return trace.BadParameter("missing parameter Verify")
	}
	if c.Issue == nil {
		return trace.BadParameter("missing parameter Issue")
	}
	if c.LastModified == nil {
		return trace.BadParameter("missing parameter LastModified")
	}
	if len(c.SignatureKey) == 0 {
		return trace.BadParameter("missing parameter SignatureKey")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(credbroker.ComponentKey, credbroker.ComponentWeb)
	}
	return nil
}

// Handler routes the broker's HTTP surface.
type Handler struct {
	Config
	router *httprouter.Router
}

// NewHandler returns a handler with all routes bound. The gateway
// callbacks deliberately bypass both admission filters.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{Config: cfg, router: httprouter.New()}

	h.router.POST("/api/verify/identity",
		h.withSignedData(h.makeHandler(h.startVerification, http.StatusCreated)))
	h.router.GET("/api/verify/callback", h.verifyCallback)

	h.router.POST("/api/issue/placement",
		h.withSignedData(h.withVerifiedSession(h.makeHandler(h.issueCredential(metadata.TypePlacement), http.StatusCreated))))
	h.router.POST("/api/issue/programme-membership",
		h.withSignedData(h.withVerifiedSession(h.makeHandler(h.issueCredential(metadata.TypeProgrammeMembership), http.StatusCreated))))
	h.router.GET("/api/issue/callback", h.issueCallback)

	h.router.GET("/actuator/health", h.health)
	h.router.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// handlerFunc is an HTTP handler that returns a body or an error.
type handlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// makeHandler converts fn into an httprouter handle, replying with
// status on success and mapping errors to HTTP responses.
func (h *Handler) makeHandler(fn handlerFunc, status int) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			h.replyError(w, r, err)
			return
		}
		replyJSON(w, status, out)
	}
}

// fieldErrors is a validation failure reported per request field.
type fieldErrors map[string]string

// Error implements error.
func (e fieldErrors) Error() string {
	return "request validation failed"
}

// replyError maps an error to its HTTP response. Field validation
// problems reply 400 with a field→message map; bearer problems reply
// 401; an unreachable collaborator replies 502.
func (h *Handler) replyError(w http.ResponseWriter, r *http.Request, err error) {
	var fields fieldErrors
	switch {
	case trace.IsBadParameter(err):
		replyJSON(w, http.StatusBadRequest, map[string]string{"error": trace.UserMessage(err)})
	case errorAs(err, &fields):
		replyJSON(w, http.StatusBadRequest, fields)
	case trace.IsAccessDenied(err):
		replyUnauthenticated(w)
	case trace.IsConnectionProblem(err) || trace.IsLimitExceeded(err):
		h.Logger.ErrorContext(r.Context(), "Upstream unavailable", "path", r.URL.Path, "error", err)
		replyJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream unavailable"})
	default:
		h.Logger.ErrorContext(r.Context(), "Request failed", "path", r.URL.Path, "error", err)
		replyJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// startVerification handles POST /api/verify/identity.
func (h *Handler) startVerification(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var identity verify.Identity
	if err := readJSON(r, &identity); err != nil {
		return nil, trace.Wrap(err)
	}
	if problems := validateIdentity(identity); len(problems) > 0 {
		return nil, problems
	}

	token, err := bearerToken(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	uri, err := h.Verify.Start(r.Context(), token, identity, r.URL.Query().Get("state"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	w.Header().Set("Location", uri)
	return nil, nil
}

// verifyCallback handles GET /api/verify/callback.
func (h *Handler) verifyCallback(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	uri := h.Verify.Complete(r.Context(),
		q.Get("code"), q.Get("state"), q.Get("error"), q.Get("error_description"))
	http.Redirect(w, r, uri, http.StatusFound)
}

// issueCredential handles POST /api/issue/{placement,programme-membership}.
func (h *Handler) issueCredential(credentialType metadata.CredentialType) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
		body, err := readBody(r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		credential, err := issue.ParseCredential(credentialType, body)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if problems := credential.Validate(); len(problems) > 0 {
			return nil, fieldErrors(problems)
		}

		token, err := bearerToken(r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		uri, err := h.Issue.Start(r.Context(), token, credential, r.URL.Query().Get("state"))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		w.Header().Set("Location", uri)
		return nil, nil
	}
}

// issueCallback handles GET /api/issue/callback.
func (h *Handler) issueCallback(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	uri := h.Issue.Complete(r.Context(),
		q.Get("code"), q.Get("state"), q.Get("error"), q.Get("error_description"))
	http.Redirect(w, r, uri, http.StatusFound)
}

// health handles GET /actuator/health: 200 while every registered
// check passes, 503 once any collaborator is unreachable.
func (h *Handler) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "UP"
	components := map[string]string{}
	for name, check := range h.HealthChecks {
		if err := check(ctx); err != nil {
			h.Logger.WarnContext(ctx, "Health check failed", "check", name, "error", err)
			components[name] = "DOWN"
			status = "DOWN"
		} else {
			components[name] = "UP"
		}
	}

	code := http.StatusOK
	if status != "UP" {
		code = http.StatusServiceUnavailable
	}
	reply := map[string]any{"status": status}
	if len(components) > 0 {
		reply["components"] = components
	}
	replyJSON(w, code, reply)
}

func validateIdentity(identity verify.Identity) fieldErrors {
	problems := fieldErrors{}
	if identity.Forenames == "" {
		problems["forenames"] = "must not be empty"
	}
	if identity.Surname == "" {
		problems["surname"] = "must not be empty"
	}
	if identity.DateOfBirth == "" {
		problems["dateOfBirth"] = "must not be empty"
	} else if _, err := time.Parse("2006-01-02", identity.DateOfBirth); err != nil {
		problems["dateOfBirth"] = "must be an ISO-8601 date"
	}
	return problems
}

func replyJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// errorAs reports whether err is a fieldErrors and fills target.
func errorAs(err error, target *fieldErrors) bool {
	fields, ok := trace.Unwrap(err).(fieldErrors)
	if ok {
		*target = fields
	}
	return ok
}
