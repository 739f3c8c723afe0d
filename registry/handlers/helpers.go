package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/driftlabs/drift/internal/dcontext"
)

// parseContentRange parses a Content-Range header of the form
// "bytes <start>-<end>/<total>" or the bare "<start>-<end>" some clients
// send, returning start and end.
func parseContentRange(cr string) (start int64, end int64, err error) {
	cr = strings.TrimPrefix(strings.TrimSpace(cr), "bytes ")
	rangeSpec, _, _ := strings.Cut(cr, "/")

	startStr, endStr, ok := strings.Cut(rangeSpec, "-")
	if !ok {
		return -1, -1, fmt.Errorf("invalid content range format, %s", cr)
	}
	start, err = strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return -1, -1, err
	}
	end, err = strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return -1, -1, err
	}
	if start > end {
		return -1, -1, fmt.Errorf("invalid content range: %d > %d", start, end)
	}
	return start, end, nil
}

// parseRange parses a request Range header "bytes=<start>-[<end>]" for blob
// reads. A missing end returns end of -1, meaning through the end of the
// blob.
func parseRange(rng string) (start int64, end int64, err error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(rng), "bytes=")
	if !ok {
		return -1, -1, fmt.Errorf("invalid range unit, %s", rng)
	}
	if strings.Contains(spec, ",") {
		return -1, -1, fmt.Errorf("multi-range requests are not supported")
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok || startStr == "" {
		return -1, -1, fmt.Errorf("invalid range format, %s", rng)
	}
	start, err = strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return -1, -1, err
	}
	if endStr == "" {
		return start, -1, nil
	}
	end, err = strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return -1, -1, err
	}
	if start > end {
		return -1, -1, fmt.Errorf("invalid range: %d > %d", start, end)
	}
	return start, end, nil
}

// isClientDisconnect reports whether err resulted from the client hanging up
// mid-request, so the handler can log it below error level.
func isClientDisconnect(err error) bool {
	return errors.Is(err, http.ErrBodyReadAfterClose)
}

// logUploadError logs a payload copy failure at a level matching its cause.
func logUploadError(ctx *Context, action string, err error) {
	if isClientDisconnect(err) {
		dcontext.GetLogger(ctx).Infof("client disconnected during %s", action)
		return
	}
	dcontext.GetLogger(ctx).Errorf("unknown error during %s: %v", action, err)
}
