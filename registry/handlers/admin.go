package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/driftlabs/drift/internal/dcontext"
	"github.com/driftlabs/drift/registry/api/errcode"
	"github.com/driftlabs/drift/registry/auth"
	"github.com/driftlabs/drift/registry/gc"
)

// adminAuthorized gates the admin surface. Any authenticated principal may
// operate it; with authentication disabled it is open, which matches the
// trust model of a registry bound to a private interface.
func (app *App) adminAuthorized(w http.ResponseWriter, r *http.Request) bool {
	if app.accessController == nil {
		return true
	}

	ctx := dcontext.WithRequest(r.Context(), r)
	_, err := app.accessController.Authorized(ctx, auth.Resource{Type: "registry", Name: "admin"})
	if err != nil {
		var authErr auth.AuthenticationError
		if errors.As(err, &authErr) {
			authErr.SetChallengeHeaders(w.Header())
		}
		serveErrorEnvelope(w, r, errcode.ErrorCodeUnauthorized.WithDetail(err.Error()), 0)
		return false
	}
	return true
}

type gcTriggerRequest struct {
	DryRun *bool `json:"dry_run"`
}

// adminGCHandler triggers a garbage collection run and returns its metrics.
// A run already in progress answers 409.
func (app *App) adminGCHandler(w http.ResponseWriter, r *http.Request) {
	if !app.adminAuthorized(w, r) {
		return
	}

	var trigger gcTriggerRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err == nil && len(body) > 0 {
		if err := json.Unmarshal(body, &trigger); err != nil {
			serveErrorEnvelope(w, r, errcode.ErrorCodeUnknown.WithMessage("invalid request body"), http.StatusBadRequest)
			return
		}
	}

	result, err := app.gc.Run(dcontext.WithLogger(r.Context(), dcontext.GetLogger(app)), trigger.DryRun)
	if err != nil {
		if errors.Is(err, gc.ErrAlreadyRunning) {
			serveErrorEnvelope(w, r, errcode.ErrorCodeUnknown.WithMessage(err.Error()), http.StatusConflict)
			return
		}
		serveErrorEnvelope(w, r, errcode.ErrorCodeUnknown.WithDetail(err.Error()), 0)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// adminGCStatusHandler reports the collector configuration and last run.
func (app *App) adminGCStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !app.adminAuthorized(w, r) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(app.gc.Status())
}
