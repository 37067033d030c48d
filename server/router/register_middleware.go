package router

import (
	"codeberg.org/edgesplit/edgesplit/config"
	"codeberg.org/edgesplit/edgesplit/server/middleware"
	"codeberg.org/edgesplit/edgesplit/server/middleware/limiter"
	"codeberg.org/edgesplit/edgesplit/server/middleware/set_request_context"
	"codeberg.org/edgesplit/edgesplit/server/middleware/splitter"
)

func (rt *Router) RegisterMiddleware() {
	// Registration order is execution order; the first Use wraps outermost.
	rt.Use(middleware.WithServerTiming)
	rt.Use(set_request_context.WithRequestContext) // every later stage reads the context
	rt.Use(middleware.SetResponseHeaders)          // all responses need this

	if config.Global.Limiter.Enabled {
		limiter.Init()

		rt.Use(limiter.Evaluate)
	}

	// innermost so that blocked requests never consume an assignment
	rt.Use(splitter.Evaluate)
}
