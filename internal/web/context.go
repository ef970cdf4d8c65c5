package web

import (
	"net/http"
	"strings"

	"github.com/JonMunkholm/sheetvc/internal/core"
)

// actorHeader names the caller recorded as resolved_by on manual resolutions.
const actorHeader = "X-Actor"

// maxActorLength bounds the actor stored with a resolution.
const maxActorLength = 128

// withActor stores the X-Actor header in the request context.
func withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := strings.TrimSpace(r.Header.Get(actorHeader))
		if actor != "" {
			if len(actor) > maxActorLength {
				actor = actor[:maxActorLength]
			}
			r = r.WithContext(core.ContextWithActor(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}
