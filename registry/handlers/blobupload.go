package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/handlers"
	"github.com/opencontainers/go-digest"

	"github.com/driftlabs/drift/metrics"
	"github.com/driftlabs/drift/registry/api/errcode"
	"github.com/driftlabs/drift/registry/storage"
	"github.com/driftlabs/drift/registry/uploads"
)

// blobUploadDispatcher constructs and returns the blob upload handler for
// the given request context.
func blobUploadDispatcher(ctx *Context, r *http.Request) http.Handler {
	buh := &blobUploadHandler{
		Context: ctx,
		UUID:    getUploadUUID(ctx),
	}

	handler := handlers.MethodHandler{
		http.MethodPost: http.HandlerFunc(buh.StartBlobUpload),
	}

	if buh.UUID != "" {
		session, err := ctx.uploads.Get(buh.UUID)
		if err != nil {
			return handlers.MethodHandler{
				http.MethodGet:   http.HandlerFunc(buh.unknownUpload),
				http.MethodPatch: http.HandlerFunc(buh.unknownUpload),
				http.MethodPut:   http.HandlerFunc(buh.unknownUpload),
				// Cancel is idempotent. Deleting an unknown or already
				// cancelled session succeeds.
				http.MethodDelete: http.HandlerFunc(buh.cancelledUpload),
			}
		}
		buh.Session = session

		handler = handlers.MethodHandler{
			http.MethodGet:    http.HandlerFunc(buh.GetUploadStatus),
			http.MethodPatch:  http.HandlerFunc(buh.PatchBlobData),
			http.MethodPut:    http.HandlerFunc(buh.PutBlobUploadComplete),
			http.MethodDelete: http.HandlerFunc(buh.CancelBlobUpload),
		}
	}
	return handler
}

// blobUploadHandler handles the http blob upload process.
type blobUploadHandler struct {
	*Context

	// UUID identifies the upload instance for the current request. Using
	// UUID to key blob writes is a major simplification over tracking the
	// upload through the backend.
	UUID string

	Session *uploads.Session
}

func (buh *blobUploadHandler) unknownUpload(w http.ResponseWriter, r *http.Request) {
	buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadUnknown.WithDetail(buh.UUID))
}

func (buh *blobUploadHandler) cancelledUpload(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Docker-Upload-UUID", buh.UUID)
	w.WriteHeader(http.StatusNoContent)
}

// StartBlobUpload begins the blob upload process. The monolithic fast path,
// a POST with a body and ?digest=, creates, uploads and commits in one
// request.
func (buh *blobUploadHandler) StartBlobUpload(w http.ResponseWriter, r *http.Request) {
	session, err := buh.uploads.Start(buh, buh.Repository)
	if err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}
	metrics.ActiveUploads.Set(float64(buh.uploads.Len()))

	if dgstStr := r.FormValue("digest"); dgstStr != "" {
		buh.Session = session
		buh.UUID = session.ID
		buh.finishUpload(w, r, dgstStr, true)
		return
	}

	if err := buh.writeUploadResponse(w, session, http.StatusAccepted); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
	}
}

// PatchBlobData writes data to an upload.
func (buh *blobUploadHandler) PatchBlobData(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/octet-stream" {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadInvalid.WithDetail(fmt.Errorf("bad Content-Type %q", ct)))
		return
	}

	start := buh.Session.Offset()
	expected := int64(-1)
	if cr := r.Header.Get("Content-Range"); cr != "" {
		crStart, crEnd, err := parseContentRange(cr)
		if err != nil {
			buh.Errors = append(buh.Errors, errcode.ErrorCodeRangeInvalid.WithDetail(err.Error()))
			return
		}
		start = crStart
		expected = crEnd - crStart + 1
		if r.ContentLength >= 0 && r.ContentLength != expected {
			buh.Errors = append(buh.Errors, errcode.ErrorCodeRangeInvalid.WithDetail(
				fmt.Sprintf("Content-Range spans %d bytes but the body carries %d", expected, r.ContentLength)))
			return
		}
	}

	n, ok := buh.appendChunk(r, start)
	if !ok {
		return
	}
	if expected >= 0 && n != expected {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeRangeInvalid.WithDetail(
			fmt.Sprintf("Content-Range spans %d bytes but %d were received", expected, n)))
		return
	}

	if err := buh.writeUploadResponse(w, buh.Session, http.StatusAccepted); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
	}
}

// appendChunk feeds the request body into the session at start, translating
// session errors to wire codes. Returns the byte count written and whether
// the chunk was accepted.
func (buh *blobUploadHandler) appendChunk(r *http.Request, start int64) (int64, bool) {
	n, err := buh.Session.Append(buh, start, r.Body)
	if err == nil {
		return n, true
	}

	switch {
	case storage.ErrInvalidOffset(err):
		buh.Errors = append(buh.Errors, errcode.ErrorCodeRangeInvalid.WithDetail(fmt.Sprintf("offset %d does not match upload state", start)))
	case errors.As(err, &uploads.SizeLimitError{}):
		buh.Errors = append(buh.Errors, errcode.ErrorCodeSizeInvalid.WithDetail(err.Error()))
	case errors.Is(err, storage.ErrUploadUnknown):
		buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadUnknown.WithDetail(buh.UUID))
	default:
		logUploadError(buh.Context, "chunk upload", err)
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
	}
	return n, false
}

// PutBlobUploadComplete takes the final request of a blob upload. The
// request may include all the blob data or no blob data. Success ends with
// the blob published under its digest.
func (buh *blobUploadHandler) PutBlobUploadComplete(w http.ResponseWriter, r *http.Request) {
	buh.finishUpload(w, r, r.FormValue("digest"), r.ContentLength != 0)
}

func (buh *blobUploadHandler) finishUpload(w http.ResponseWriter, r *http.Request, dgstStr string, hasBody bool) {
	if dgstStr == "" {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeDigestInvalid.WithDetail("digest missing"))
		return
	}
	dgst, err := digest.Parse(dgstStr)
	if err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(err.Error()))
		return
	}

	if hasBody {
		if _, ok := buh.appendChunk(r, buh.Session.Offset()); !ok {
			return
		}
	}

	size := buh.Session.Offset()
	if err := buh.Session.Commit(buh, dgst); err != nil {
		switch {
		case errors.Is(err, storage.ErrDigestMismatch):
			// The session stays resumable so the client may retry.
			buh.Errors = append(buh.Errors, errcode.ErrorCodeDigestInvalid.WithDetail("payload digest does not match provided digest"))
		case errors.Is(err, storage.ErrUploadUnknown):
			buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadUnknown.WithDetail(buh.UUID))
		default:
			logUploadError(buh.Context, "upload commit", err)
			buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		}
		return
	}

	metrics.ActiveUploads.Set(float64(buh.uploads.Len()))
	metrics.BlobBytesWritten.Add(float64(size))

	blobURL, err := buh.urlBuilder.BuildBlobURL(buh.Repository, dgst)
	if err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.Header().Set("Location", blobURL)
	w.Header().Set("Content-Length", "0")
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.WriteHeader(http.StatusCreated)
}

// GetUploadStatus returns the status of a given upload, identified by id.
func (buh *blobUploadHandler) GetUploadStatus(w http.ResponseWriter, r *http.Request) {
	if err := buh.writeUploadResponse(w, buh.Session, http.StatusNoContent); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
	}
}

// CancelBlobUpload cancels an in-progress upload of a blob.
func (buh *blobUploadHandler) CancelBlobUpload(w http.ResponseWriter, r *http.Request) {
	if err := buh.Session.Cancel(buh); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}
	metrics.ActiveUploads.Set(float64(buh.uploads.Len()))
	w.Header().Set("Docker-Upload-UUID", buh.UUID)
	w.WriteHeader(http.StatusNoContent)
}

// writeUploadResponse sets the headers shared by upload responses: the
// session location, the accepted range and the upload id.
func (buh *blobUploadHandler) writeUploadResponse(w http.ResponseWriter, session *uploads.Session, status int) error {
	uploadURL, err := buh.urlBuilder.BuildBlobUploadChunkURL(buh.Repository, session.ID, url.Values{})
	if err != nil {
		return err
	}

	endRange := session.Offset()
	if endRange > 0 {
		endRange--
	}

	w.Header().Set("Docker-Upload-UUID", session.ID)
	w.Header().Set("Location", uploadURL)
	w.Header().Set("Content-Length", "0")
	w.Header().Set("Range", fmt.Sprintf("0-%d", endRange))
	w.WriteHeader(status)
	return nil
}
