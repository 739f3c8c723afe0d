package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/opencontainers/go-digest"

	"github.com/driftlabs/drift/internal/dcontext"
	"github.com/driftlabs/drift/registry/api/errcode"
	"github.com/driftlabs/drift/registry/storage"
)

// blobDispatcher uses the request context to build a blobHandler.
func blobDispatcher(ctx *Context, r *http.Request) http.Handler {
	dgst, err := getDigest(ctx)
	if err != nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx.Errors = append(ctx.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(err.Error()))
		})
	}

	bh := &blobHandler{Context: ctx, Digest: dgst}
	return handlers.MethodHandler{
		http.MethodGet:    http.HandlerFunc(bh.GetBlob),
		http.MethodHead:   http.HandlerFunc(bh.GetBlob),
		http.MethodDelete: http.HandlerFunc(bh.DeleteBlob),
	}
}

// blobHandler serves http blob requests.
type blobHandler struct {
	*Context

	Digest digest.Digest
}

// GetBlob fetches the binary data from backend storage, returning the whole
// blob or the requested byte range.
func (bh *blobHandler) GetBlob(w http.ResponseWriter, r *http.Request) {
	meta, err := bh.backend.StatBlob(bh, bh.Digest)
	if err != nil {
		if errors.Is(err, storage.ErrBlobUnknown) {
			bh.Errors = append(bh.Errors, errcode.ErrorCodeBlobUnknown.WithDetail(bh.Digest))
		} else {
			bh.Errors = append(bh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		}
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Docker-Content-Digest", bh.Digest.String())
	w.Header().Set("Accept-Ranges", "bytes")

	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", fmt.Sprint(meta.Size))
		w.WriteHeader(http.StatusOK)
		return
	}

	if rng := r.Header.Get("Range"); rng != "" {
		bh.serveRange(w, r, rng, meta.Size)
		return
	}

	reader, err := bh.backend.GetBlob(bh, bh.Digest)
	if err != nil {
		if errors.Is(err, storage.ErrBlobUnknown) {
			bh.Errors = append(bh.Errors, errcode.ErrorCodeBlobUnknown.WithDetail(bh.Digest))
		} else {
			bh.Errors = append(bh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		}
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Length", fmt.Sprint(meta.Size))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, reader); err != nil {
		dcontext.GetLogger(bh).Infof("error streaming blob %s: %v", bh.Digest, err)
	}
}

func (bh *blobHandler) serveRange(w http.ResponseWriter, r *http.Request, rng string, size int64) {
	start, end, err := parseRange(rng)
	if err != nil || start >= size {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		bh.Errors = append(bh.Errors, errcode.ErrorCodeRangeInvalid.WithDetail(rng))
		return
	}
	if end < 0 || end >= size {
		end = size - 1
	}
	length := end - start + 1

	reader, err := bh.backend.GetBlobRange(bh, bh.Digest, start, length)
	if err != nil {
		bh.Errors = append(bh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Length", fmt.Sprint(length))
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.WriteHeader(http.StatusPartialContent)
	if _, err := io.Copy(w, reader); err != nil {
		dcontext.GetLogger(bh).Infof("error streaming blob range %s: %v", bh.Digest, err)
	}
}

// DeleteBlob removes a blob from storage. Deleting a blob does not consult
// references; the garbage collector is the safe path for reclaiming space.
func (bh *blobHandler) DeleteBlob(w http.ResponseWriter, r *http.Request) {
	exists, err := bh.backend.BlobExists(bh, bh.Digest)
	if err != nil {
		bh.Errors = append(bh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}
	if !exists {
		bh.Errors = append(bh.Errors, errcode.ErrorCodeBlobUnknown.WithDetail(bh.Digest))
		return
	}

	if err := bh.backend.DeleteBlob(bh, bh.Digest); err != nil {
		bh.Errors = append(bh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.Header().Set("Docker-Content-Digest", bh.Digest.String())
	w.WriteHeader(http.StatusAccepted)
}
