package routes

import (
	"fmt"
	"net/http"

	"codeberg.org/edgesplit/edgesplit/server/request_context"
)

// StatusPage writes a plain-text status page for a request the service had to
// answer itself, such as an unreachable origin.
//
// The caller has already committed the status code; only the body is written
// here. EdgeSplit has no HTML surface, so the page stays terse enough to read
// over curl.
func StatusPage(w http.ResponseWriter, r *http.Request) {
	rc := request_context.FromRequest(r)

	fmt.Fprintf(w, "%d %s\n", rc.StatusCode, http.StatusText(rc.StatusCode))

	if rc.RequestError != nil {
		fmt.Fprintf(w, "%v\n", rc.RequestError)
	}

	fmt.Fprintf(w, "request id: %s\n", rc.RequestID)
}
