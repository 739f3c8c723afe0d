package handlers

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/driftlabs/drift/registry/api/errcode"
)

const defaultPageSize = 100

// pageParams holds parsed pagination query parameters.
type pageParams struct {
	n    int
	last string
}

// parsePageParams reads the n and last query parameters. A missing n uses
// the default page size; a non-positive or unparseable n is rejected.
func parsePageParams(r *http.Request) (pageParams, error) {
	params := pageParams{n: defaultPageSize, last: r.FormValue("last")}

	if nStr := r.FormValue("n"); nStr != "" {
		n, err := strconv.Atoi(nStr)
		if err != nil || n <= 0 {
			return params, errcode.ErrorCodePaginationNumberInvalid.WithDetail(map[string]string{"n": nStr})
		}
		params.n = n
	}
	return params, nil
}

// paginate slices a lexicographically sorted list to the page after last,
// at most n entries. Returns the page and whether more entries follow.
func paginate(sorted []string, params pageParams) ([]string, bool) {
	start := 0
	if params.last != "" {
		for i, entry := range sorted {
			if entry > params.last {
				start = i
				break
			}
			start = i + 1
		}
	}

	page := sorted[start:]
	if len(page) > params.n {
		return page[:params.n], true
	}
	return page, false
}

// linkHeader renders an RFC 5988 next-page link for the current request.
func linkHeader(requestURL *url.URL, n int, last string) string {
	values := requestURL.Query()
	values.Set("n", strconv.Itoa(n))
	values.Set("last", last)

	next := *requestURL
	next.RawQuery = values.Encode()
	return "<" + next.String() + `>; rel="next"`
}
