package router

import (
	"fmt"
	"os"

	"example.com/basichttpd/internal/http1"
	"example.com/basichttpd/internal/logger"
	"example.com/basichttpd/internal/resource"
)

// Authenticator checks an Authorization header value.
type Authenticator interface {
	AuthenticateHeader(value string) bool
}

// Resolver classifies a request path.
type Resolver interface {
	Resolve(urlPath string) resource.Entry
}

// ContentTyper maps a file path to a Content-Type, "" when unknown.
type ContentTyper interface {
	Lookup(filePath string) string
}

// Options configures a Router.
type Options struct {
	Auth     Authenticator
	Resolver Resolver
	Types    ContentTyper
	Logger   *logger.Logger
	// Strict answers unsupported methods with 405 instead of 404 and makes
	// HEAD report 404 for missing resources.
	Strict bool
}

// HandlerFunc produces the response for an authenticated request.
type HandlerFunc func(req *http1.Request) *http1.Response

// Router authenticates requests and dispatches them by method.
// It holds no per-request state and is safe for concurrent use.
type Router struct {
	auth     Authenticator
	resolver Resolver
	types    ContentTyper
	log      *logger.Logger
	strict   bool

	handlers map[http1.Method]HandlerFunc
}

// NewRouter creates a Router and registers the GET, HEAD, POST and fallback handlers.
func NewRouter(opts Options) (*Router, error) {
	if opts.Auth == nil {
		return nil, fmt.Errorf("authenticator cannot be nil")
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("resolver cannot be nil")
	}
	if opts.Types == nil {
		return nil, fmt.Errorf("content type lookup cannot be nil")
	}
	lg := opts.Logger
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}

	r := &Router{
		auth:     opts.Auth,
		resolver: opts.Resolver,
		types:    opts.Types,
		log:      lg,
		strict:   opts.Strict,
	}
	r.handlers = map[http1.Method]HandlerFunc{
		http1.MethodGet:   r.serveResource,
		http1.MethodPost:  r.serveResource,
		http1.MethodHead:  r.serveHead,
		http1.MethodOther: r.serveOther,
	}
	return r, nil
}

// Strict reports whether the router runs in strict method mode.
func (r *Router) Strict() bool { return r.strict }

// Route produces the response for req. Every method requires valid
// credentials; failures get 401 with an empty body.
func (r *Router) Route(req *http1.Request) *http1.Response {
	var resp *http1.Response
	if !r.auth.AuthenticateHeader(req.Header.Get("Authorization")) {
		r.log.Debug("Authentication failed", logger.LogFields{"method": req.RawMethod, "target": req.Target})
		resp = empty(http1.StatusUnauthorized)
	} else {
		handler, ok := r.handlers[req.Method]
		if !ok {
			handler = r.serveOther
		}
		resp = handler(req)
	}
	resp.KeepAlive = req.KeepAlive
	return resp
}

func (r *Router) serveOther(req *http1.Request) *http1.Response {
	if r.strict {
		return empty(http1.StatusMethodNotAllowed)
	}
	return empty(http1.StatusNotFound)
}

// serveHead never sends a body. Outside strict mode it does not look at the
// filesystem at all; in strict mode it checks the path a GET would serve.
func (r *Router) serveHead(req *http1.Request) *http1.Response {
	if r.strict && r.resolver.Resolve(http1.ServedPath(req.Target)).Kind == resource.KindMissing {
		return empty(http1.StatusNotFound)
	}
	return empty(http1.StatusOK)
}

// serveResource handles GET and POST alike; POST bodies are not consumed.
func (r *Router) serveResource(req *http1.Request) *http1.Response {
	entry := r.resolver.Resolve(req.Path)
	switch entry.Kind {
	case resource.KindFile:
		body, err := os.ReadFile(entry.AbsPath)
		if err != nil {
			r.log.Warn("Failed to read resolved file", logger.LogFields{
				"path":  entry.AbsPath,
				"error": err.Error(),
			})
			return empty(http1.StatusNotFound)
		}
		return &http1.Response{
			Status:      http1.StatusOK,
			ContentType: r.types.Lookup(entry.AbsPath),
			Body:        body,
		}
	case resource.KindDirectory:
		return &http1.Response{
			Status:      http1.StatusOK,
			ContentType: resource.ListingContentType,
			Body:        resource.ListingHTML(req.Path, entry),
		}
	default:
		return empty(http1.StatusNotFound)
	}
}

func empty(status http1.Status) *http1.Response {
	return &http1.Response{Status: status}
}
