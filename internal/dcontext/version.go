package dcontext

import "context"

// WithVersion stores the application version in the context. The new context
// gets a logger with the version field preset.
func WithVersion(ctx context.Context, version string) context.Context {
	ctx = context.WithValue(ctx, "version", version)
	return WithLogger(ctx, GetLogger(ctx, "version"))
}

// GetVersion returns the application version from the context. An empty
// string may be returned if the version was not set on the context.
func GetVersion(ctx context.Context) string {
	version, _ := ctx.Value("version").(string)
	return version
}
