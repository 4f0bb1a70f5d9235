package mcphandler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/toolgate/toolgate/internal/domain"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const upstreamTimeout = 30 * time.Second

// Handler is the default MCP protocol handler: a streamable-HTTP MCP server
// for one integration instance, proxying tool calls to the upstream SaaS API
// with the instance's bearer token. The token is swappable while the session
// and its transport state stay alive.
type Handler struct {
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer

	baseURL  string
	token    atomic.Value
	upstream *http.Client
}

// bearerTransport injects the handler's current token into every upstream
// call, so a hot swap takes effect on the next request.
type bearerTransport struct {
	handler *Handler
	base    http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.handler.currentToken())

	return t.base.RoundTrip(req)
}

// New builds a handler for one instance. upstreamBaseURL is the root of the
// proxied provider API (for example https://api.notion.com/v1).
func New(config domain.HandlerConfig, upstreamBaseURL, accessToken string) (*Handler, error) {
	if upstreamBaseURL == "" {
		return nil, fmt.Errorf("upstream base URL is required for provider %s", config.Provider)
	}

	h := &Handler{baseURL: strings.TrimRight(upstreamBaseURL, "/")}
	h.token.Store(accessToken)
	h.upstream = &http.Client{
		Timeout:   upstreamTimeout,
		Transport: &bearerTransport{handler: h, base: http.DefaultTransport},
	}

	h.mcpServer = server.NewMCPServer(
		config.ServiceName,
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	h.mcpServer.AddTool(
		mcp.NewTool("api_request",
			mcp.WithDescription(fmt.Sprintf("Perform an authenticated request against the %s API", config.Provider)),
			mcp.WithString("method", mcp.Description("HTTP method, defaults to GET")),
			mcp.WithString("path", mcp.Required(), mcp.Description("API path relative to the provider base URL")),
			mcp.WithString("body", mcp.Description("Request body for POST/PATCH requests")),
		),
		h.handleAPIRequest,
	)

	h.httpServer = server.NewStreamableHTTPServer(h.mcpServer)

	return h, nil
}

// NewFactory adapts New to the session manager's factory signature, resolving
// the provider's upstream base URL from the given map.
func NewFactory(upstreamBaseURLs map[string]string) domain.HandlerFactory {
	return func(config domain.HandlerConfig, accessToken string) (domain.ProtocolHandler, error) {
		return New(config, upstreamBaseURLs[config.Provider], accessToken)
	}
}

func (h *Handler) currentToken() string {
	token, _ := h.token.Load().(string)
	return token
}

// UpdateToken hot-swaps the bearer token used for upstream calls.
func (h *Handler) UpdateToken(accessToken string) {
	h.token.Store(accessToken)
}

// ServeHTTP hands the request to the streamable MCP transport.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.httpServer.ServeHTTP(w, r)
}

// Close shuts down the MCP transport, releasing open streams.
func (h *Handler) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return h.httpServer.Shutdown(ctx)
}

func (h *Handler) handleAPIRequest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	method := strings.ToUpper(request.GetString("method", http.MethodGet))
	body := request.GetString("body", "")

	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+"/"+strings.TrimLeft(path, "/"), bodyReader)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid request: %v", err)), nil
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.upstream.Do(req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("upstream request failed: %v", err)), nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read upstream response: %v", err)), nil
	}

	if resp.StatusCode >= 400 {
		return mcp.NewToolResultError(fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, respBody)), nil
	}

	return mcp.NewToolResultText(string(respBody)), nil
}
