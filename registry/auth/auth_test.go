package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScopeString(t *testing.T) {
	assert.Equal(t, "repository:library/app:pull",
		ScopeString(Resource{Type: "repository", Name: "library/app"}, "pull"))
	assert.Equal(t, "repository:library/app:pull,push",
		ScopeString(Resource{Type: "repository", Name: "library/app"}, "pull", "push"))
	assert.Equal(t, "registry:catalog:*",
		ScopeString(Resource{Type: "registry", Name: "catalog"}, "*"))
}

func TestScopeCovers(t *testing.T) {
	for _, tc := range []struct {
		name     string
		granted  []string
		required string
		covered  bool
	}{
		{"exact match", []string{"repository:app:pull"}, "repository:app:pull", true},
		{"different action", []string{"repository:app:pull"}, "repository:app:push", false},
		{"different repo", []string{"repository:app:pull"}, "repository:other:pull", false},
		{"superuser", []string{"registry:*"}, "repository:anything:push", true},
		{"superuser catalog", []string{"registry:*"}, "registry:catalog:*", true},
		{"wildcard repo", []string{"repository:*:pull"}, "repository:library/app:pull", true},
		{"wildcard repo wrong action", []string{"repository:*:pull"}, "repository:library/app:push", false},
		{"prefix glob", []string{"repository:library/*"}, "repository:library/app:pull", true},
		{"prefix glob miss", []string{"repository:library/*"}, "repository:other/app:pull", false},
		{"action wildcard", []string{"repository:app:*"}, "repository:app:delete", true},
		{"any of several", []string{"repository:a:pull", "repository:b:pull"}, "repository:b:pull", true},
		{"empty grants", nil, "repository:app:pull", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.covered, ScopeCovers(tc.granted, tc.required))
		})
	}
}

func TestScopeCoversSegmentGlobs(t *testing.T) {
	// Segment globs only match within their segment.
	assert.True(t, ScopeCovers([]string{"repository:team/*:push"}, "repository:team/api:push"))
	assert.False(t, ScopeCovers([]string{"repository:team/*:push"}, "repository:team/api:delete"))
	assert.False(t, ScopeCovers([]string{"repository:*:pull"}, "registry:catalog:pull"))
}

func TestWithUser(t *testing.T) {
	ctx := WithUser(context.Background(), UserInfo{Name: "alice", Roles: []string{"user"}})

	user, ok := GetUser(ctx)
	assert.True(t, ok)
	assert.Equal(t, "alice", user.Name)
	assert.Equal(t, "alice", ctx.Value("auth.user.name"))

	_, ok = GetUser(context.Background())
	assert.False(t, ok)
}

func TestGetAccessControllerUnknown(t *testing.T) {
	_, err := GetAccessController("does-not-exist", nil)
	assert.Error(t, err)
}

func TestRegisterDuplicate(t *testing.T) {
	init := InitFunc(func(options map[string]interface{}) (AccessController, error) {
		return nil, nil
	})
	assert.NoError(t, Register("testdup", init))
	assert.Error(t, Register("testdup", init))
}
