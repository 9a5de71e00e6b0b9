package identity

import (
	"context"
	"net/http"
	"strings"

	"github.com/BlocUnited-LLC/mozaiks-core-sub003/pkg/models"
)

// wsProtocolPrefix carries the bearer token inside the websocket subprotocol
// header, preferred over the access_token query parameter.
const wsProtocolPrefix = "access_token."

// ExtractToken pulls the bearer token from an HTTP request, checking the
// Authorization header, the Sec-WebSocket-Protocol header, then the
// access_token query parameter.
func ExtractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(strings.ToLower(h), "bearer ") {
			return strings.TrimSpace(h[len("bearer "):])
		}
	}
	for _, proto := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, part := range strings.Split(proto, ",") {
			part = strings.TrimSpace(part)
			if strings.HasPrefix(part, wsProtocolPrefix) {
				return strings.TrimPrefix(part, wsProtocolPrefix)
			}
		}
	}
	return r.URL.Query().Get("access_token")
}

// WSSubprotocol returns the subprotocol to echo back when a token arrived
// via Sec-WebSocket-Protocol, or "" when it did not.
func WSSubprotocol(r *http.Request) string {
	for _, proto := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, part := range strings.Split(proto, ",") {
			part = strings.TrimSpace(part)
			if strings.HasPrefix(part, wsProtocolPrefix) {
				return part
			}
		}
	}
	return ""
}

type contextKey struct{}

// WithIdentity stores the identity on the context.
func WithIdentity(ctx context.Context, id *models.Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored on the context, if any.
func FromContext(ctx context.Context) (*models.Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(*models.Identity)
	return id, ok
}
