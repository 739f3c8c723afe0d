package errcode

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodeDescriptors(t *testing.T) {
	assert.Equal(t, "UNKNOWN", ErrorCodeUnknown.String())
	assert.Equal(t, http.StatusInternalServerError, ErrorCodeUnknown.Descriptor().HTTPStatusCode)

	assert.Equal(t, http.StatusNotFound, ErrorCodeBlobUnknown.Descriptor().HTTPStatusCode)
	assert.Equal(t, http.StatusNotFound, ErrorCodeManifestUnknown.Descriptor().HTTPStatusCode)
	assert.Equal(t, http.StatusNotFound, ErrorCodeNameUnknown.Descriptor().HTTPStatusCode)
	assert.Equal(t, http.StatusUnauthorized, ErrorCodeUnauthorized.Descriptor().HTTPStatusCode)
	assert.Equal(t, http.StatusForbidden, ErrorCodeDenied.Descriptor().HTTPStatusCode)
	assert.Equal(t, http.StatusBadRequest, ErrorCodeDigestInvalid.Descriptor().HTTPStatusCode)
	assert.Equal(t, http.StatusRequestEntityTooLarge, ErrorCodeSizeInvalid.Descriptor().HTTPStatusCode)
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, ErrorCodeRangeInvalid.Descriptor().HTTPStatusCode)
	assert.Equal(t, http.StatusTooManyRequests, ErrorCodeTooManyRequests.Descriptor().HTTPStatusCode)
}

func TestErrorsMarshalJSON(t *testing.T) {
	errs := Errors{
		ErrorCodeBlobUnknown.WithDetail("sha256:deadbeef"),
		ErrorCodeDigestInvalid,
	}

	data, err := json.Marshal(errs)
	require.NoError(t, err)

	var envelope struct {
		Errors []struct {
			Code    string      `json:"code"`
			Message string      `json:"message"`
			Detail  interface{} `json:"detail"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(data, &envelope))
	require.Len(t, envelope.Errors, 2)

	assert.Equal(t, "BLOB_UNKNOWN", envelope.Errors[0].Code)
	assert.NotEmpty(t, envelope.Errors[0].Message)
	assert.Equal(t, "sha256:deadbeef", envelope.Errors[0].Detail)

	assert.Equal(t, "DIGEST_INVALID", envelope.Errors[1].Code)
	assert.Nil(t, envelope.Errors[1].Detail)
}

func TestErrorsRoundTrip(t *testing.T) {
	errs := Errors{
		ErrorCodeBlobUnknown.WithDetail("sha256:deadbeef"),
		ErrorCodeUnsupported,
	}

	data, err := json.Marshal(errs)
	require.NoError(t, err)

	var parsed Errors
	require.NoError(t, json.Unmarshal(data, &parsed))
	require.Len(t, parsed, 2)

	var ec ErrorCoder
	require.ErrorAs(t, parsed[0], &ec)
	assert.Equal(t, ErrorCodeBlobUnknown, ec.ErrorCode())

	require.ErrorAs(t, parsed[1], &ec)
	assert.Equal(t, ErrorCodeUnsupported, ec.ErrorCode())
}

func TestParseErrorCode(t *testing.T) {
	assert.Equal(t, ErrorCodeBlobUnknown, ParseErrorCode("BLOB_UNKNOWN"))
	assert.Equal(t, ErrorCodeUnknown, ParseErrorCode("NO_SUCH_CODE"))
}

func TestServeJSON(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, ServeJSON(w, Errors{ErrorCodeManifestUnknown.WithDetail("latest")}))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var parsed Errors
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &parsed))
	require.Equal(t, 1, parsed.Len())
}

func TestServeJSONSingleError(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, ServeJSON(w, ErrorCodeUnauthorized))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestErrorStrings(t *testing.T) {
	err := ErrorCodeBlobUnknown.WithMessage("custom message")
	assert.Contains(t, err.Error(), "blob unknown")
	assert.Contains(t, err.Error(), "custom message")
}
