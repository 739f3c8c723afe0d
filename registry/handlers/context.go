package handlers

import (
	"context"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/driftlabs/drift/internal/dcontext"
	"github.com/driftlabs/drift/registry/api/errcode"
	v2 "github.com/driftlabs/drift/registry/api/v2"
)

// Context should contain the request specific context for use in across
// handlers. Resources that don't need to be shared across handlers should not
// be on this object.
type Context struct {
	// App points to the application structure that created this context.
	*App
	context.Context

	// Repository is the repository name the request is scoped to, empty
	// for registry-level routes.
	Repository string

	// Errors is a collection of errors encountered during the request to
	// be returned to the client API. If errors are added to the
	// collection, the handler *must not* start the response via
	// http.ResponseWriter.
	Errors errcode.Errors

	urlBuilder *v2.URLBuilder
}

// getName returns the repository name from the request vars.
func getName(ctx context.Context) string {
	return dcontext.GetStringValue(ctx, "vars.name")
}

// getReference returns the manifest reference (tag or digest) from the
// request vars.
func getReference(ctx context.Context) string {
	return dcontext.GetStringValue(ctx, "vars.reference")
}

// getUploadUUID returns the upload id from the request vars.
func getUploadUUID(ctx context.Context) string {
	return dcontext.GetStringValue(ctx, "vars.uuid")
}

var errDigestNotAvailable = fmt.Errorf("digest not available in context")

// getDigest parses the digest from the request vars.
func getDigest(ctx context.Context) (digest.Digest, error) {
	dgstStr := dcontext.GetStringValue(ctx, "vars.digest")
	if dgstStr == "" {
		dcontext.GetLogger(ctx).Errorf("digest not available")
		return "", errDigestNotAvailable
	}

	d, err := digest.Parse(dgstStr)
	if err != nil {
		dcontext.GetLogger(ctx).Errorf("error parsing digest=%q: %v", dgstStr, err)
		return "", err
	}
	return d, nil
}
