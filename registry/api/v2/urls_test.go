package v2

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testURLBuilder(t *testing.T) *URLBuilder {
	t.Helper()
	root, err := url.Parse("http://registry.example.com")
	require.NoError(t, err)
	return NewURLBuilder(root, false)
}

func TestBuildURLs(t *testing.T) {
	ub := testURLBuilder(t)
	dgst := digest.FromString("content")

	base, err := ub.BuildBaseURL()
	require.NoError(t, err)
	assert.Equal(t, "http://registry.example.com/v2/", base)

	catalog, err := ub.BuildCatalogURL()
	require.NoError(t, err)
	assert.Equal(t, "http://registry.example.com/v2/_catalog", catalog)

	tags, err := ub.BuildTagsURL("library/app")
	require.NoError(t, err)
	assert.Equal(t, "http://registry.example.com/v2/library/app/tags/list", tags)

	manifest, err := ub.BuildManifestURL("library/app", "latest")
	require.NoError(t, err)
	assert.Equal(t, "http://registry.example.com/v2/library/app/manifests/latest", manifest)

	blob, err := ub.BuildBlobURL("library/app", dgst)
	require.NoError(t, err)
	assert.Equal(t, "http://registry.example.com/v2/library/app/blobs/"+dgst.String(), blob)

	upload, err := ub.BuildBlobUploadURL("library/app")
	require.NoError(t, err)
	assert.Equal(t, "http://registry.example.com/v2/library/app/blobs/uploads/", upload)

	chunk, err := ub.BuildBlobUploadChunkURL("library/app", "some-uuid", url.Values{})
	require.NoError(t, err)
	assert.Equal(t, "http://registry.example.com/v2/library/app/blobs/uploads/some-uuid", chunk)
}

func TestBuildURLsRelative(t *testing.T) {
	root, err := url.Parse("http://registry.example.com")
	require.NoError(t, err)
	ub := NewURLBuilder(root, true)

	tags, err := ub.BuildTagsURL("library/app")
	require.NoError(t, err)
	assert.Equal(t, "/v2/library/app/tags/list", tags)
}

func TestBuilderFromRequest(t *testing.T) {
	r, err := http.NewRequest(http.MethodGet, "/v2/library/app/tags/list", nil)
	require.NoError(t, err)
	r.Host = "registry.example.com:5000"

	ub := NewURLBuilderFromRequest(r, false)
	base, err := ub.BuildBaseURL()
	require.NoError(t, err)
	assert.Equal(t, "http://registry.example.com:5000/v2/", base)
}

func TestBuilderFromRequestForwardedHeaders(t *testing.T) {
	r, err := http.NewRequest(http.MethodGet, "/v2/", nil)
	require.NoError(t, err)
	r.Host = "internal:5000"
	r.Header.Set("X-Forwarded-Proto", "https")
	r.Header.Set("X-Forwarded-Host", "registry.example.com, internal:5000")

	ub := NewURLBuilderFromRequest(r, false)
	base, err := ub.BuildBaseURL()
	require.NoError(t, err)
	assert.Equal(t, "https://registry.example.com/v2/", base)
}
