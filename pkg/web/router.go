package web

import (
	"sync"

	"github.com/valyala/fasthttp"
)

// Router dispatches requests by method and exact path
type Router struct {
	mu         sync.RWMutex
	routes     map[string]Handler
	raw        map[string]fasthttp.RequestHandler
	middleware []Middleware
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{
		routes: make(map[string]Handler),
		raw:    make(map[string]fasthttp.RequestHandler),
	}
}

// GET registers a handler for GET and HEAD on path
func (r *Router) GET(path string, handler Handler) {
	r.Route(fasthttp.MethodGet, path, handler)
	r.Route(fasthttp.MethodHead, path, handler)
}

// Route registers a handler for method and path
func (r *Router) Route(method, path string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[method+" "+path] = handler
}

// Mount registers a plain fasthttp handler for GET on path. Middleware
// does not apply to mounted handlers.
func (r *Router) Mount(path string, handler fasthttp.RequestHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raw[fasthttp.MethodGet+" "+path] = handler
}

// Use appends middleware; the first registered runs outermost
func (r *Router) Use(middleware Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, middleware)
}

// ServeFastHTTP implements fasthttp.RequestHandler
func (r *Router) ServeFastHTTP(ctx *fasthttp.RequestCtx) {
	r.mu.RLock()
	key := string(ctx.Method()) + " " + string(ctx.Path())
	raw := r.raw[key]
	handler, ok := r.routes[key]
	chain := r.middleware
	r.mu.RUnlock()

	if raw != nil {
		raw(ctx)
		return
	}
	if !ok {
		ctx.Error("Not Found", fasthttp.StatusNotFound)
		return
	}

	for i := len(chain) - 1; i >= 0; i-- {
		handler = chain[i](handler)
	}
	if err := handler(&RequestContext{RequestCtx: ctx}); err != nil {
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
	}
}
