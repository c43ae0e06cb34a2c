package volc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

const customAuthValue = "auth_custom"

// authHeader returns the handshake headers for the configured auth mode.
// Signature auth signs the full client request frame that opens the session.
func authHeader(cfg Config, fullRequest []byte) (http.Header, error) {
	h := http.Header{}
	switch cfg.AuthMode {
	case "", AuthToken:
		h.Set("Authorization", "Bearer; "+cfg.Token)
	case AuthSignature:
		if cfg.Secret == "" {
			return nil, errors.New("signature auth requires a secret")
		}
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse asr url: %w", err)
		}
		mac := sign(cfg.Secret, u.Path, fullRequest)
		h.Set("Custom", customAuthValue)
		h.Set("Authorization", fmt.Sprintf(`HMAC256; access_token="%s"; mac="%s"; h="Custom"`, cfg.Token, mac))
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.AuthMode)
	}
	return h, nil
}

// sign computes the unpadded base64url HMAC-SHA256 of the request line, the signed
// header values and the frame.
func sign(secret, path string, frame []byte) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte("GET " + path + " HTTP/1.1\n"))
	m.Write([]byte(customAuthValue + "\n"))
	m.Write(frame)
	return base64.RawURLEncoding.EncodeToString(m.Sum(nil))
}
