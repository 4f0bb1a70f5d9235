package domain

import "net/http"

// ProtocolHandler is the stateful per-instance protocol object the session
// manager keeps alive across requests. The wire protocol requires session
// continuity, so handlers are looked up, never rebuilt per request.
//
// A handler exclusively belongs to its session entry. UpdateToken hot-swaps
// the bearer token without tearing the handler down, so a token refresh does
// not interrupt an open streaming session.
type ProtocolHandler interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
	UpdateToken(accessToken string)
	Close() error
}

// HandlerConfig is what a service integration needs to construct a handler.
type HandlerConfig struct {
	InstanceID  string
	Provider    string
	ServiceName string
}

// HandlerFactory builds a protocol handler for an instance. The calling
// service supplies the implementation; a default MCP-backed one ships in
// internal/mcphandler.
type HandlerFactory func(config HandlerConfig, accessToken string) (ProtocolHandler, error)
