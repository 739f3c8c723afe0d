package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/maypok86/otter"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/driftlabs/drift/configuration"
	"github.com/driftlabs/drift/health"
	"github.com/driftlabs/drift/internal/dcontext"
	"github.com/driftlabs/drift/metrics"
	"github.com/driftlabs/drift/registry/api/errcode"
	v2 "github.com/driftlabs/drift/registry/api/v2"
	"github.com/driftlabs/drift/registry/auth"
	"github.com/driftlabs/drift/registry/auth/token"
	"github.com/driftlabs/drift/registry/gc"

	// Register the basic access controller. The token controller is pulled
	// in by the issuer import above.
	_ "github.com/driftlabs/drift/registry/auth/basic"
	"github.com/driftlabs/drift/registry/storage"
	"github.com/driftlabs/drift/registry/storage/factory"
	"github.com/driftlabs/drift/registry/uploads"
)

// uploadSessionTTL is how long an idle upload session survives before the
// reaper expires it.
const uploadSessionTTL = time.Hour

// manifestCacheCapacity bounds the in-memory manifest cache entry count.
const manifestCacheCapacity = 4096

// App is a global registry application object. Shared resources can be
// placed on this object that will be accessible from all requests. Any
// writable fields should be protected.
type App struct {
	context.Context

	Config *configuration.Configuration

	router   *mux.Router
	backend  storage.Backend
	uploads  *uploads.Manager
	gc       *gc.Collector
	clock    clock.Clock
	registry *health.Registry

	accessController auth.AccessController
	issuer           *token.Issuer

	manifestCache otter.Cache[string, cachedManifest]

	connSem  *semaphore.Weighted
	limiters *limiterPool
}

// cachedManifest is a manifest payload with its resolved digest, fronting
// backend reads for hot tags. Invalidated on PUT and DELETE.
type cachedManifest struct {
	payload []byte
	digest  string
}

// NewApp takes a configuration and returns a configured app. The app is
// ready to serve; callers own process lifecycle concerns like the listener
// and signal handling.
func NewApp(ctx context.Context, config *configuration.Configuration) (*App, error) {
	backend, err := factory.Create(config.Storage.Type, config.Storage.Parameters())
	if err != nil {
		return nil, fmt.Errorf("initializing %s backend: %w", config.Storage.Type, err)
	}
	return newApp(ctx, config, backend)
}

// NewAppWithBackend wires an app over an existing backend, for tests and
// embedding.
func NewAppWithBackend(ctx context.Context, config *configuration.Configuration, backend storage.Backend) (*App, error) {
	return newApp(ctx, config, backend)
}

func newApp(ctx context.Context, config *configuration.Configuration, backend storage.Backend) (*App, error) {
	clk := clock.New()

	app := &App{
		Context:  ctx,
		Config:   config,
		router:   v2.Router(),
		backend:  backend,
		clock:    clk,
		registry: health.NewRegistry(),
	}

	app.uploads = uploads.NewManager(backend, clk, uploadSessionTTL, config.MaxUploadBytes())
	app.gc = gc.New(backend, clk, gc.Options{
		GracePeriod:    config.GarbageCollector.GracePeriod(),
		MaxBlobsPerRun: config.GarbageCollector.MaxBlobsPerRun,
		DryRun:         config.GarbageCollector.DryRun,
	}, config.GarbageCollector.Enabled, config.GarbageCollector.Interval())

	cache, err := otter.MustBuilder[string, cachedManifest](manifestCacheCapacity).Build()
	if err != nil {
		return nil, fmt.Errorf("building manifest cache: %w", err)
	}
	app.manifestCache = cache

	if err := app.configureAuth(config); err != nil {
		return nil, err
	}

	if config.Server.MaxConnections > 0 {
		app.connSem = semaphore.NewWeighted(int64(config.Server.MaxConnections))
	}
	if config.Registry.RateLimitPerHour > 0 {
		app.limiters = newLimiterPool(config.Registry.RateLimitPerHour)
	}

	app.registry.RegisterFunc("storage", func() error {
		probeCtx, cancel := context.WithTimeout(app.Context, 5*time.Second)
		defer cancel()
		_, err := app.backend.ListRepositories(probeCtx)
		return err
	})

	app.register(v2.RouteNameBase, baseDispatcher)
	app.register(v2.RouteNameCatalog, catalogDispatcher)
	app.register(v2.RouteNameManifest, manifestDispatcher)
	app.register(v2.RouteNameTags, tagsDispatcher)
	app.register(v2.RouteNameBlob, blobDispatcher)
	app.register(v2.RouteNameBlobUpload, blobUploadDispatcher)
	app.register(v2.RouteNameBlobUploadChunk, blobUploadDispatcher)

	return app, nil
}

func (app *App) configureAuth(config *configuration.Configuration) error {
	switch config.Auth.Mode {
	case "":
		return nil
	case "basic":
		controller, err := auth.GetAccessController("basic", map[string]interface{}{
			"realm": "drift-registry",
			"users": config.Auth.Basic.UserMap(),
		})
		if err != nil {
			return fmt.Errorf("configuring basic auth: %w", err)
		}
		app.accessController = controller
	case "token":
		controller, err := auth.GetAccessController("token", map[string]interface{}{
			"realm":  "drift-registry",
			"secret": config.Auth.JWTSecret,
		})
		if err != nil {
			return fmt.Errorf("configuring token auth: %w", err)
		}
		app.accessController = controller
		app.issuer = token.NewIssuer(config.Auth.JWTSecret, config.Auth.TokenExpiry(), config.Auth.Basic.UserMap())
	default:
		return fmt.Errorf("unknown auth mode %q", config.Auth.Mode)
	}
	return nil
}

// Backend exposes the storage backend, for the readiness probe and tests.
func (app *App) Backend() storage.Backend {
	return app.backend
}

// Collector exposes the garbage collector so the process can run its
// scheduler.
func (app *App) Collector() *gc.Collector {
	return app.gc
}

// Uploads exposes the session manager so the process can run the TTL reaper.
func (app *App) Uploads() *uploads.Manager {
	return app.uploads
}

// Health exposes the health check registry.
func (app *App) Health() *health.Registry {
	return app.registry
}

// Handler assembles the full HTTP surface: the v2 API plus the operational
// endpoints that live outside the distribution protocol.
func (app *App) Handler() http.Handler {
	outer := mux.NewRouter()
	outer.HandleFunc("/health", health.LivenessHandler)
	outer.Handle("/readyz", health.ReadinessHandler(app.registry))
	outer.Handle("/metrics", metrics.Handler())
	outer.HandleFunc("/auth/token", app.tokenHandler).Methods(http.MethodGet, http.MethodPost)
	outer.HandleFunc("/admin/gc", app.adminGCHandler).Methods(http.MethodPost)
	outer.HandleFunc("/admin/gc/status", app.adminGCStatusHandler).Methods(http.MethodGet)
	outer.PathPrefix("/v2/").Handler(app)
	return outer
}

// dispatchFunc takes a context and request and returns a constructed handler
// for the route. The dispatcher will use this to dynamically create request
// specific handlers for each endpoint without creating a new router for each
// request.
type dispatchFunc func(ctx *Context, r *http.Request) http.Handler

// register a handler with the application, by route name.
func (app *App) register(routeName string, dispatch dispatchFunc) {
	app.router.GetRoute(routeName).Handler(app.dispatcher(routeName, dispatch))
}

func (app *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if app.connSem != nil {
		if !app.connSem.TryAcquire(1) {
			metrics.RejectedRequests.Inc()
			w.Header().Set("Retry-After", "1")
			serveErrorEnvelope(w, r, errcode.ErrorCodeUnknown.WithMessage("server busy"), http.StatusServiceUnavailable)
			return
		}
		defer app.connSem.Release(1)
	}

	if app.limiters != nil {
		if !app.limiters.allow(dcontext.RemoteIP(r)) {
			serveErrorEnvelope(w, r, errcode.ErrorCodeTooManyRequests, http.StatusTooManyRequests)
			return
		}
	}

	app.router.ServeHTTP(w, r)
}

// dispatcher returns a handler that constructs a request specific context and
// handler, using the dispatch factory function.
func (app *App) dispatcher(routeName string, dispatch dispatchFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := app.clock.Now()
		metrics.InFlightRequests.Inc()
		defer metrics.InFlightRequests.Dec()

		ctx := app.context(w, r)
		defer func() {
			status := 200
			if s, ok := ctx.Value("http.response.status").(int); ok && s != 0 {
				status = s
			}
			metrics.RequestsTotal.WithLabelValues(routeName, r.Method, fmt.Sprint(status)).Inc()
			metrics.RequestDuration.WithLabelValues(routeName, r.Method).Observe(app.clock.Since(start).Seconds())
		}()

		if err := app.authorized(w, r, ctx); err != nil {
			dcontext.GetLogger(ctx).Warnf("error authorizing context: %v", err)
			return
		}

		dispatch(ctx, r).ServeHTTP(w, r)

		if len(ctx.Errors) > 0 {
			app.serveErrors(ctx, w, r)
		}
	})
}

// context constructs the request specific Context. The majority of handler
// state is carried on this object.
func (app *App) context(w http.ResponseWriter, r *http.Request) *Context {
	ctx := r.Context()
	ctx = dcontext.WithRequest(ctx, r)
	ctx, w = dcontext.WithResponseWriter(ctx, w)
	ctx = dcontext.WithVars(ctx, r)
	ctx = dcontext.WithLogger(ctx, dcontext.GetLogger(ctx,
		"http.request.id",
		"http.request.method",
		"http.request.uri",
		"vars.name",
		"vars.reference",
		"vars.digest",
		"vars.uuid"))

	// Propagate app-level values (instance id, shutdown) beneath the
	// request scope.
	ctx = &appRequestContext{Context: ctx, app: app.Context}

	return &Context{
		App:        app,
		Context:    ctx,
		Repository: getName(ctx),
		urlBuilder: v2.NewURLBuilderFromRequest(r, false),
	}
}

// appRequestContext layers request values over the application context, so
// request-scoped lookups win but app-scoped values stay visible.
type appRequestContext struct {
	context.Context
	app context.Context
}

func (arc *appRequestContext) Value(key interface{}) interface{} {
	if v := arc.Context.Value(key); v != nil {
		return v
	}
	if arc.app == nil {
		return nil
	}
	return arc.app.Value(key)
}

// authorized checks the request against the configured access controller and
// writes the error response itself when access is denied.
func (app *App) authorized(w http.ResponseWriter, r *http.Request, ctx *Context) error {
	if app.accessController == nil {
		return nil
	}

	// The version probe is public. Clients hit it to discover the API before
	// they hold any credentials.
	if route := mux.CurrentRoute(r); route != nil && route.GetName() == v2.RouteNameBase {
		return nil
	}

	resource, actions := routeAccess(ctx.Repository, r)

	authCtx, err := app.accessController.Authorized(ctx.Context, resource, actions...)
	if err != nil {
		var authErr auth.AuthenticationError
		var authzErr auth.AuthorizationError
		switch {
		case errors.As(err, &authErr):
			authErr.SetChallengeHeaders(w.Header())
			serveErrorEnvelope(w, r, errcode.ErrorCodeUnauthorized.WithDetail(err.Error()), 0)
		case errors.As(err, &authzErr):
			serveErrorEnvelope(w, r, errcode.ErrorCodeDenied.WithDetail(authzErr.AuthorizationErrorDetails()), 0)
		default:
			serveErrorEnvelope(w, r, errcode.ErrorCodeUnknown.WithDetail(err.Error()), 0)
		}
		return err
	}

	ctx.Context = authCtx
	return nil
}

// routeAccess derives the resource and actions a request requires, following
// the scope model "repository:<name>:pull|push|delete" and
// "registry:catalog:*".
func routeAccess(repo string, r *http.Request) (auth.Resource, []string) {
	if repo == "" {
		// Catalog is the only repository-less route behind the controller;
		// the base probe never reaches here.
		return auth.Resource{Type: "registry", Name: "catalog"}, []string{"*"}
	}

	resource := auth.Resource{Type: "repository", Name: repo}
	route := mux.CurrentRoute(r)
	uploadRoute := route != nil && route.GetName() == v2.RouteNameBlobUploadChunk

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		if uploadRoute {
			// Upload status is part of the push flow.
			return resource, []string{"push"}
		}
		return resource, []string{"pull"}
	case http.MethodDelete:
		if uploadRoute {
			// So is cancelling an upload.
			return resource, []string{"push"}
		}
		return resource, []string{"delete"}
	default:
		return resource, []string{"push"}
	}
}

// serveErrors renders accumulated handler errors. HEAD responses carry only
// the status line.
func (app *App) serveErrors(ctx *Context, w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.WriteHeader(statusForErrors(ctx.Errors))
		return
	}
	if err := errcode.ServeJSON(w, ctx.Errors); err != nil {
		dcontext.GetLogger(ctx).Errorf("error serving error json: %v (from %v)", err, ctx.Errors)
	}
}

func statusForErrors(errs errcode.Errors) int {
	if len(errs) < 1 {
		return http.StatusInternalServerError
	}
	var ec errcode.ErrorCoder
	if errors.As(errs[0], &ec) {
		return ec.ErrorCode().Descriptor().HTTPStatusCode
	}
	return http.StatusInternalServerError
}

// serveErrorEnvelope writes a single-error envelope outside the normal
// handler error path. A zero status uses the code's default.
func serveErrorEnvelope(w http.ResponseWriter, r *http.Request, err error, status int) {
	if r.Method == http.MethodHead {
		if status == 0 {
			status = statusForErrors(errcode.Errors{err})
		}
		w.WriteHeader(status)
		return
	}
	if status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(errcode.Errors{err})
		return
	}
	errcode.ServeJSON(w, errcode.Errors{err})
}

// limiterPool hands out a token bucket per client address, refilled at the
// configured hourly rate.
type limiterPool struct {
	mu       sync.Mutex
	perHour  int
	limiters map[string]*rate.Limiter
}

func newLimiterPool(perHour int) *limiterPool {
	return &limiterPool{
		perHour:  perHour,
		limiters: map[string]*rate.Limiter{},
	}
}

func (p *limiterPool) allow(addr string) bool {
	p.mu.Lock()
	limiter, ok := p.limiters[addr]
	if !ok {
		burst := p.perHour / 10
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(float64(p.perHour)/3600.0), burst)
		p.limiters[addr] = limiter
	}
	p.mu.Unlock()
	return limiter.Allow()
}

// baseDispatcher serves the API version probe.
func baseDispatcher(ctx *Context, r *http.Request) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
		fmt.Fprint(w, "{}")
	})
}
