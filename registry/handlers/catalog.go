package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/handlers"

	"github.com/driftlabs/drift/registry/api/errcode"
)

// catalogDispatcher constructs the catalog handler api endpoint.
func catalogDispatcher(ctx *Context, r *http.Request) http.Handler {
	catalogHandler := &catalogHandler{Context: ctx}
	return handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(catalogHandler.GetCatalog),
	}
}

type catalogHandler struct {
	*Context
}

type catalogAPIResponse struct {
	Repositories []string `json:"repositories"`
}

// GetCatalog returns the ordered list of repositories in the registry,
// paginated with the n and last query parameters.
func (ch *catalogHandler) GetCatalog(w http.ResponseWriter, r *http.Request) {
	params, err := parsePageParams(r)
	if err != nil {
		ch.Errors = append(ch.Errors, err)
		return
	}

	repos, err := ch.backend.ListRepositories(ch)
	if err != nil {
		ch.Errors = append(ch.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	page, more := paginate(repos, params)
	if more {
		w.Header().Set("Link", linkHeader(r.URL, params.n, page[len(page)-1]))
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	if err := enc.Encode(catalogAPIResponse{Repositories: page}); err != nil {
		ch.Errors = append(ch.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
	}
}
