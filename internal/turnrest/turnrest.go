// Package turnrest mints short-lived TURN credentials in the coturn
// "TURN REST API" scheme, so the relay's /ice endpoint never hands out a
// static TURN secret.
//
//	username   = <unix expiry>:<prefix>:<random id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

const DefaultUsernamePrefix = "quickdrop"

type Config struct {
	// URLs are the turn: or turns: URLs the credentials are valid for.
	URLs           []string
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	Clock clock.Clock
	// NewID defaults to a random UUID.
	NewID func() string
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

type Minter struct {
	urls   []string
	secret []byte
	ttl    time.Duration
	prefix string
	clock  clock.Clock
	newID  func() string
}

func New(cfg Config) (*Minter, error) {
	switch {
	case len(cfg.URLs) == 0:
		return nil, errors.New("turnrest: at least one TURN url is required")
	case cfg.SharedSecret == "":
		return nil, errors.New("turnrest: shared secret is required")
	case cfg.TTL < time.Second:
		return nil, fmt.Errorf("turnrest: ttl must be at least 1s (got %s)", cfg.TTL)
	case strings.Contains(cfg.UsernamePrefix, ":"):
		return nil, errors.New("turnrest: username prefix must not contain ':'")
	}
	for _, u := range cfg.URLs {
		if !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			return nil, fmt.Errorf("turnrest: %q is not a turn: or turns: url", u)
		}
	}
	if cfg.UsernamePrefix == "" {
		cfg.UsernamePrefix = DefaultUsernamePrefix
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Minter{
		urls:   append([]string(nil), cfg.URLs...),
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		prefix: cfg.UsernamePrefix,
		clock:  cfg.Clock,
		newID:  cfg.NewID,
	}, nil
}

// Mint returns credentials expiring TTL from now, rounded down to the second.
func (m *Minter) Mint() (Credentials, error) {
	id := m.newID()
	if id == "" || strings.Contains(id, ":") {
		return Credentials{}, fmt.Errorf("turnrest: unusable id %q", id)
	}
	expires := m.clock.Now().Add(m.ttl).UTC().Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), m.prefix, id)
	return Credentials{
		Username:   username,
		Credential: Sign(m.secret, username),
		Expires:    expires,
	}, nil
}

// ICEServer mints fresh credentials for the configured URLs.
func (m *Minter) ICEServer() (webrtc.ICEServer, error) {
	c, err := m.Mint()
	if err != nil {
		return webrtc.ICEServer{}, err
	}
	return webrtc.ICEServer{
		URLs:       append([]string(nil), m.urls...),
		Username:   c.Username,
		Credential: c.Credential,
	}, nil
}

// Sign is the coturn credential for username.
func Sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
