package v2

import (
	"fmt"
	"regexp"

	"github.com/opencontainers/go-digest"
)

const (
	// RepositoryNameTotalLengthMax is the maximum total number of characters in
	// a repository name
	RepositoryNameTotalLengthMax = 255

	// TagNameTotalLengthMax is the maximum number of characters in a tag name.
	TagNameTotalLengthMax = 128
)

// RepositoryNameComponentRegexp restricts registry path components to the
// allowed alphabet with separators only in the interior.
var RepositoryNameComponentRegexp = regexp.MustCompile(`[a-z0-9]+(?:[._-][a-z0-9]+)*`)

// RepositoryNameComponentAnchoredRegexp is the version of
// RepositoryNameComponentRegexp which must completely match the content.
var RepositoryNameComponentAnchoredRegexp = regexp.MustCompile(`^` + RepositoryNameComponentRegexp.String() + `$`)

// RepositoryNameRegexp builds on RepositoryNameComponentRegexp to allow
// multiple path components, separated by a forward slash.
var RepositoryNameRegexp = regexp.MustCompile(RepositoryNameComponentRegexp.String() + `(?:/` + RepositoryNameComponentRegexp.String() + `)*`)

// TagNameRegexp matches valid tag names. From docker/docker:graph/tags.go.
var TagNameRegexp = regexp.MustCompile(`[\w][\w.-]{0,127}`)

// TagNameAnchoredRegexp matches valid tag names, anchored at the start and
// end of the matched string.
var TagNameAnchoredRegexp = regexp.MustCompile("^" + TagNameRegexp.String() + "$")

// DigestRegexp matches the serialized form of a digest loosely, for routing.
// Strict validation happens through digest.Parse.
var DigestRegexp = regexp.MustCompile(`[a-zA-Z0-9-_+.]+:[a-fA-F0-9]+`)

var (
	// ErrRepositoryNameEmpty is returned for empty, invalid repository names.
	ErrRepositoryNameEmpty = fmt.Errorf("repository name must have at least one component")

	// ErrRepositoryNameLong is returned when a repository name is longer than
	// RepositoryNameTotalLengthMax
	ErrRepositoryNameLong = fmt.Errorf("repository name must not be more than %v characters", RepositoryNameTotalLengthMax)

	// ErrRepositoryNameComponentInvalid is returned when a repository name does
	// not match RepositoryNameComponentRegexp
	ErrRepositoryNameComponentInvalid = fmt.Errorf("repository name component must match %q", RepositoryNameComponentRegexp.String())

	// ErrTagNameInvalid is returned when a tag does not match TagNameRegexp.
	ErrTagNameInvalid = fmt.Errorf("tag name must match %q", TagNameRegexp.String())
)

var anchoredNameRegexp = regexp.MustCompile(`^` + RepositoryNameRegexp.String() + `$`)

// ValidateRepositoryName ensures the repository name is valid for use in the
// registry. Full repository names are limited to 255 characters and each
// slash-separated component must match RepositoryNameComponentRegexp.
func ValidateRepositoryName(name string) error {
	if name == "" {
		return ErrRepositoryNameEmpty
	}

	if len(name) > RepositoryNameTotalLengthMax {
		return ErrRepositoryNameLong
	}

	if !anchoredNameRegexp.MatchString(name) {
		return ErrRepositoryNameComponentInvalid
	}

	return nil
}

// ValidateTag ensures the tag is valid for use as a manifest reference.
func ValidateTag(tag string) error {
	if len(tag) > TagNameTotalLengthMax || !TagNameAnchoredRegexp.MatchString(tag) {
		return ErrTagNameInvalid
	}
	return nil
}

// ParseReference interprets a manifest reference as either a tag or a
// digest. Exactly one of the return values is non-zero. Digest references
// must be valid, canonical sha256 digests; anything that does not look like
// a digest is validated as a tag.
func ParseReference(reference string) (tag string, dgst digest.Digest, err error) {
	if DigestRegexp.MatchString(reference) {
		dgst, err = digest.Parse(reference)
		if err != nil {
			return "", "", err
		}
		if dgst.Algorithm() != digest.SHA256 {
			return "", "", digest.ErrDigestUnsupported
		}
		return "", dgst, nil
	}

	if err := ValidateTag(reference); err != nil {
		return "", "", err
	}
	return reference, "", nil
}
