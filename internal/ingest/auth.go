package ingest

import (
	"crypto/hmac"
	"errors"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"tonrody/internal/apperr"
)

var (
	ErrInvalidSecret    = apperr.New(apperr.KindAuthentication, "invalid_webhook_secret")
	ErrSourceNotAllowed = apperr.New(apperr.KindForbidden, "webhook_source_not_allowed")
	ErrInvalidSignature = apperr.New(apperr.KindAuthentication, "invalid_signature")

	errAuthNotConfigured = errors.New("webhook secret and hmac secret are both required")
)

// Authenticator checks, in order, the shared secret, the source address and the body
// signature. Secret and signature are always required; an empty allowlist admits every
// source.
type Authenticator struct {
	secret     string
	hmacSecret []byte
	allow      []netip.Prefix
}

func NewAuthenticator(secret, hmacSecret string, allowlist []string) (*Authenticator, error) {
	if strings.TrimSpace(secret) == "" || strings.TrimSpace(hmacSecret) == "" {
		return nil, errAuthNotConfigured
	}
	a := &Authenticator{secret: secret, hmacSecret: []byte(hmacSecret)}
	for _, entry := range allowlist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		prefix, err := parseAllowEntry(entry)
		if err != nil {
			return nil, err
		}
		a.allow = append(a.allow, prefix)
	}
	return a, nil
}

// Authenticate validates r whose body has already been read into body.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) error {
	provided := firstNonEmpty(r.Header.Get("X-Webhook-Secret"), r.Header.Get("X-Ton-Webhook-Secret"), r.URL.Query().Get("secret"))
	if a.secret == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(a.secret)) != 1 {
		return ErrInvalidSecret
	}
	if len(a.allow) > 0 && !a.allowed(r) {
		return ErrSourceNotAllowed
	}
	sig := strings.TrimPrefix(firstNonEmpty(r.Header.Get("X-Signature"), r.Header.Get("X-Ton-Signature")), "sha256=")
	if len(a.hmacSecret) == 0 || sig == "" || !hmac.Equal([]byte(strings.ToLower(sig)), []byte(Sign(a.hmacSecret, body))) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(key, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Authenticator) allowed(r *http.Request) bool {
	addr, ok := remoteAddr(r.RemoteAddr)
	if !ok {
		return false
	}
	for _, p := range a.allow {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func parseAllowEntry(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		return netip.ParsePrefix(entry)
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// remoteAddr accepts "ip:port" and bare IPs, which is what chi's RealIP leaves behind.
func remoteAddr(s string) (netip.Addr, bool) {
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
