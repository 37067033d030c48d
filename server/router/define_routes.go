package router

import (
	"net/http"
	"net/http/pprof"
	"runtime/trace"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"codeberg.org/edgesplit/edgesplit/config"
	"codeberg.org/edgesplit/edgesplit/server/middleware"
	"codeberg.org/edgesplit/edgesplit/server/routes"
)

// DefineRoutes registers every route the server exposes. Middleware is
// attached separately by RegisterMiddleware.
func (rt *Router) DefineRoutes() {
	// Health and metrics endpoints; the splitter skips these paths.
	rt.HandleFunc("GET /healthz", middleware.CatchError(routes.Healthz))

	if config.Global.Metrics.Enabled {
		rt.Handle("GET /metrics", promhttp.Handler())
	}

	if config.Global.Development.InDevelopment {
		registerDebugRoutes(rt)
	}

	// Everything else is forwarded to the origin. By the time this handler
	// runs, the splitter has either redirected the viewer or stamped the
	// request with its variant.
	rt.HandleFunc("/", middleware.CatchError(routes.PassThrough))
}

// Keeps the last minute of runtime trace data available at /debug/flight.
var flightRecorder = trace.NewFlightRecorder(trace.FlightRecorderConfig{
	MinAge: time.Minute,
})

func registerDebugRoutes(rt *Router) {
	if err := flightRecorder.Start(); err != nil {
		panic(err)
	}

	profilers := map[string]http.HandlerFunc{
		"GET /debug/pprof/":        pprof.Index,
		"GET /debug/pprof/cmdline": pprof.Cmdline,
		"GET /debug/pprof/profile": pprof.Profile,
		"GET /debug/pprof/symbol":  pprof.Symbol,
		"GET /debug/pprof/trace":   pprof.Trace,
	}
	for pattern, handler := range profilers {
		rt.HandleFunc(pattern, handler)
	}

	rt.HandleFunc("GET /debug/flight", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = flightRecorder.WriteTo(w)
	})
}
