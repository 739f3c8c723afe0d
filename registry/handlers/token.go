package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/driftlabs/drift/internal/dcontext"
	"github.com/driftlabs/drift/registry/api/errcode"
)

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	IssuedAt  string `json:"issued_at"`
}

// tokenHandler exchanges basic credentials for a bearer token. It only
// exists in token auth mode.
func (app *App) tokenHandler(w http.ResponseWriter, r *http.Request) {
	if app.issuer == nil {
		http.NotFound(w, r)
		return
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="drift-registry"`)
		serveErrorEnvelope(w, r, errcode.ErrorCodeUnauthorized.WithMessage("basic credentials required"), 0)
		return
	}

	now := app.clock.Now()
	signed, err := app.issuer.Issue(username, password, now)
	if err != nil {
		dcontext.GetLogger(app).Warnf("token issuance refused for user %q", username)
		w.Header().Set("WWW-Authenticate", `Basic realm="drift-registry"`)
		serveErrorEnvelope(w, r, errcode.ErrorCodeUnauthorized.WithMessage("invalid credentials"), 0)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tokenResponse{
		Token:     signed,
		ExpiresIn: int64(app.issuer.Lifetime().Seconds()),
		IssuedAt:  now.UTC().Format(time.RFC3339),
	})
}
