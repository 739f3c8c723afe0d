package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/handlers"

	"github.com/driftlabs/drift/registry/api/errcode"
	"github.com/driftlabs/drift/registry/storage"
)

// tagsDispatcher constructs the tags handler api endpoint.
func tagsDispatcher(ctx *Context, r *http.Request) http.Handler {
	tagsHandler := &tagsHandler{Context: ctx}
	return handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(tagsHandler.GetTags),
	}
}

// tagsHandler handles requests for lists of tags under a repository name.
type tagsHandler struct {
	*Context
}

type tagsAPIResponse struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// GetTags returns a json list of tags for a specific image name, paginated
// with the n and last query parameters.
func (th *tagsHandler) GetTags(w http.ResponseWriter, r *http.Request) {
	params, err := parsePageParams(r)
	if err != nil {
		th.Errors = append(th.Errors, err)
		return
	}

	tags, err := th.backend.ListTags(th, th.Repository)
	if err != nil {
		if errors.Is(err, storage.ErrRepositoryUnknown) {
			th.Errors = append(th.Errors, errcode.ErrorCodeNameUnknown.WithDetail(map[string]string{"name": th.Repository}))
		} else {
			th.Errors = append(th.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		}
		return
	}

	page, more := paginate(tags, params)
	if more {
		w.Header().Set("Link", linkHeader(r.URL, params.n, page[len(page)-1]))
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	if err := enc.Encode(tagsAPIResponse{Name: th.Repository, Tags: page}); err != nil {
		th.Errors = append(th.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
	}
}
