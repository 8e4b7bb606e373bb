package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/quickdrop/internal/httpserver"
)

// iceURL maps the relay's WebSocket URL to its /ice endpoint.
func iceURL(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("relay url scheme must be ws or wss (got %q)", u.Scheme)
	}
	u.Path = path.Join(path.Dir(u.Path), "ice")
	u.RawQuery = ""
	return u.String(), nil
}

// FetchICEServers asks the relay which STUN/TURN servers to use.
func FetchICEServers(ctx context.Context, hc *http.Client, relayURL string) ([]webrtc.ICEServer, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	target, err := iceURL(relayURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch ice servers: status %d", resp.StatusCode)
	}
	var body httpserver.ICEResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ice servers: %w", err)
	}
	return body.ICEServers, nil
}
