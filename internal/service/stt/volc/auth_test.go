package volc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
)

func TestAuthHeader_Token(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Token = "tok-123"

	h, err := authHeader(cfg, []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := h.Get("Authorization"); got != "Bearer; tok-123" {
		t.Errorf("unexpected Authorization %q", got)
	}
	if h.Get("Custom") != "" {
		t.Error("token auth must not set the Custom header")
	}
}

func TestAuthHeader_Signature(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AuthMode = AuthSignature
	cfg.Token = "tok"
	cfg.Secret = "s3cret"
	frame := []byte{0x11, 0x10, 0x11, 0x00, 0, 0, 0, 2, 0xab, 0xcd}

	h, err := authHeader(cfg, frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Get("Custom") != "auth_custom" {
		t.Errorf("unexpected Custom header %q", h.Get("Custom"))
	}

	m := hmac.New(sha256.New, []byte("s3cret"))
	m.Write([]byte("GET /api/v2/asr HTTP/1.1\nauth_custom\n"))
	m.Write(frame)
	mac := base64.RawURLEncoding.EncodeToString(m.Sum(nil))

	want := fmt.Sprintf(`HMAC256; access_token="tok"; mac="%s"; h="Custom"`, mac)
	if got := h.Get("Authorization"); got != want {
		t.Errorf("Authorization = %q, want %q", got, want)
	}
	if strings.ContainsAny(mac, "+/=") {
		t.Errorf("mac must be unpadded base64url, got %q", mac)
	}
}

func TestAuthHeader_Errors(t *testing.T) {
	noSecret := DefaultConfig()
	noSecret.AuthMode = AuthSignature

	unknown := DefaultConfig()
	unknown.AuthMode = "kerberos"

	for name, cfg := range map[string]Config{"missing secret": noSecret, "unknown mode": unknown} {
		if _, err := authHeader(cfg, nil); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
