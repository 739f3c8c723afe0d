package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/opencontainers/go-digest"
	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/driftlabs/drift/internal/dcontext"
	"github.com/driftlabs/drift/registry/api/errcode"
	v2 "github.com/driftlabs/drift/registry/api/v2"
	"github.com/driftlabs/drift/registry/storage"
)

const (
	mediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	mediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	mediaTypeDockerManifestV1   = "application/vnd.docker.distribution.manifest.v1+json"
)

// writableManifestMediaTypes may be pushed; the legacy schema1 type is
// accepted for read only.
var writableManifestMediaTypes = []string{
	ociv1.MediaTypeImageManifest,
	ociv1.MediaTypeImageIndex,
	mediaTypeDockerManifest,
	mediaTypeDockerManifestList,
}

// defaultManifestBodySize bounds manifest payloads when no upload size limit
// is configured. Manifests are small JSON documents; anything larger is
// rejected outright.
const defaultManifestBodySize = 4 << 20

// manifestDispatcher takes the request context and builds the appropriate
// handler for handling manifest requests.
func manifestDispatcher(ctx *Context, r *http.Request) http.Handler {
	reference := getReference(ctx)
	tag, dgst, err := v2.ParseReference(reference)
	if err != nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if errors.Is(err, v2.ErrTagNameInvalid) {
				ctx.Errors = append(ctx.Errors, errcode.ErrorCodeTagInvalid.WithDetail(reference))
			} else {
				ctx.Errors = append(ctx.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(reference))
			}
		})
	}

	mh := &manifestHandler{Context: ctx, Tag: tag, Digest: dgst}
	return handlers.MethodHandler{
		http.MethodGet:    http.HandlerFunc(mh.GetManifest),
		http.MethodHead:   http.HandlerFunc(mh.GetManifest),
		http.MethodPut:    http.HandlerFunc(mh.PutManifest),
		http.MethodDelete: http.HandlerFunc(mh.DeleteManifest),
	}
}

// manifestHandler handles http operations on image manifests.
type manifestHandler struct {
	*Context

	// One of Tag or Digest is set, depending on the request reference.
	Tag    string
	Digest digest.Digest
}

func (mh *manifestHandler) reference() string {
	if mh.Tag != "" {
		return mh.Tag
	}
	return mh.Digest.String()
}

func (mh *manifestHandler) cacheKey() string {
	return mh.Repository + "@" + mh.reference()
}

// GetManifest fetches the image manifest from the storage backend, if it
// exists. HEAD carries the same headers and no body.
func (mh *manifestHandler) GetManifest(w http.ResponseWriter, r *http.Request) {
	var payload []byte
	var dgst digest.Digest

	if cached, ok := mh.manifestCache.Get(mh.cacheKey()); ok {
		payload = cached.payload
		dgst = digest.Digest(cached.digest)
	} else {
		data, err := mh.backend.GetManifest(mh, mh.Repository, mh.reference())
		if err != nil {
			if errors.Is(err, storage.ErrManifestUnknown) {
				mh.Errors = append(mh.Errors, errcode.ErrorCodeManifestUnknown.WithDetail(mh.reference()))
			} else {
				mh.Errors = append(mh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
			}
			return
		}
		payload = data
		dgst = digest.FromBytes(data)
		mh.manifestCache.Set(mh.cacheKey(), cachedManifest{payload: payload, digest: dgst.String()})
	}

	w.Header().Set("Content-Type", manifestMediaType(payload))
	w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
	w.Header().Set("Docker-Content-Digest", dgst.String())

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Write(payload)
}

// manifestMediaType derives the response content type from the stored
// payload's mediaType field. Payloads without one, which schema1 manifests
// lack, fall back to the OCI manifest type.
func manifestMediaType(payload []byte) string {
	var envelope struct {
		MediaType string `json:"mediaType"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.MediaType != "" {
		return envelope.MediaType
	}
	return ociv1.MediaTypeImageManifest
}

// PutManifest validates and stores a manifest in the registry.
func (mh *manifestHandler) PutManifest(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); !isWritableManifestMediaType(ct) {
		if strings.EqualFold(ct, mediaTypeDockerManifestV1) {
			mh.Errors = append(mh.Errors, errcode.ErrorCodeManifestInvalid.WithDetail("schema1 manifests are read only"))
		} else {
			mh.Errors = append(mh.Errors, errcode.ErrorCodeManifestInvalid.WithDetail(fmt.Sprintf("unrecognized manifest content type %q", ct)))
		}
		return
	}

	limit := mh.Config.MaxUploadBytes()
	if limit <= 0 {
		limit = defaultManifestBodySize
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		logUploadError(mh.Context, "manifest payload read", err)
		mh.Errors = append(mh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}
	if int64(len(payload)) > limit {
		mh.Errors = append(mh.Errors, errcode.ErrorCodeSizeInvalid.WithDetail("manifest payload too large"))
		return
	}
	if !json.Valid(payload) {
		mh.Errors = append(mh.Errors, errcode.ErrorCodeManifestInvalid.WithDetail("manifest is not valid JSON"))
		return
	}

	if mh.Tag != "" && mh.tagIsImmutable() {
		if _, err := mh.backend.GetManifestDigest(mh, mh.Repository, mh.Tag); err == nil {
			mh.Errors = append(mh.Errors, errcode.ErrorCodeDenied.WithDetail(fmt.Sprintf("tag %q is immutable", mh.Tag)))
			return
		}
	}

	if err := mh.backend.PutManifest(mh, mh.Repository, mh.reference(), payload); err != nil {
		if errors.Is(err, storage.ErrDigestMismatch) {
			mh.Errors = append(mh.Errors, errcode.ErrorCodeManifestUnverified.WithDetail(mh.reference()))
		} else {
			mh.Errors = append(mh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		}
		return
	}

	dgst := digest.FromBytes(payload)
	mh.manifestCache.Delete(mh.cacheKey())
	mh.manifestCache.Delete(mh.Repository + "@" + dgst.String())

	location, err := mh.urlBuilder.BuildManifestURL(mh.Repository, dgst.String())
	if err != nil {
		dcontext.GetLogger(mh).Errorf("error building manifest url from digest: %v", err)
	}

	w.Header().Set("Location", location)
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.WriteHeader(http.StatusCreated)
}

// tagIsImmutable reports whether the configured immutable tag patterns cover
// the request tag.
func (mh *manifestHandler) tagIsImmutable() bool {
	for _, pattern := range mh.Config.Registry.ImmutableTags {
		if ok, err := path.Match(pattern, mh.Tag); err == nil && ok {
			return true
		}
	}
	return false
}

// DeleteManifest removes the manifest or tag from the registry. Deleting a
// tag leaves the revision in place for other tags and digest pulls.
func (mh *manifestHandler) DeleteManifest(w http.ResponseWriter, r *http.Request) {
	if minAge := mh.Config.Registry.MinAgeDays; minAge > 0 {
		if denied := mh.deniedByMinAge(minAge); denied {
			return
		}
	}

	if err := mh.backend.DeleteManifest(mh, mh.Repository, mh.reference()); err != nil {
		if errors.Is(err, storage.ErrManifestUnknown) {
			mh.Errors = append(mh.Errors, errcode.ErrorCodeManifestUnknown.WithDetail(mh.reference()))
		} else {
			mh.Errors = append(mh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		}
		return
	}

	mh.manifestCache.Delete(mh.cacheKey())
	w.WriteHeader(http.StatusAccepted)
}

// deniedByMinAge rejects deletion of revisions younger than the configured
// minimum age. Tag references are resolved to their revision first.
func (mh *manifestHandler) deniedByMinAge(minAgeDays int) bool {
	dgst := mh.Digest
	if mh.Tag != "" {
		resolved, err := mh.backend.GetManifestDigest(mh, mh.Repository, mh.Tag)
		if err != nil {
			// Let DeleteManifest surface the unknown reference.
			return false
		}
		dgst = resolved
	}

	meta, err := mh.backend.StatManifest(mh, mh.Repository, dgst)
	if err != nil {
		return false
	}

	age := mh.clock.Now().Sub(meta.CreatedAt)
	if age < time.Duration(minAgeDays)*24*time.Hour {
		mh.Errors = append(mh.Errors, errcode.ErrorCodeDenied.WithDetail(
			fmt.Sprintf("manifest is younger than the configured minimum age of %d days", minAgeDays)))
		return true
	}
	return false
}

func isWritableManifestMediaType(ct string) bool {
	for _, mt := range writableManifestMediaTypes {
		if strings.EqualFold(ct, mt) {
			return true
		}
	}
	return false
}
