package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"net"
	"strings"
)

// siteSalt is a fixed, non-secret constant mixed into every session id so that
// fixtures from different deployments cannot collide by accident.
const siteSalt = "eblocker-session-v1"

const fieldSep = "\x1f"

// UnknownUserAgent is substituted when a client sends no User-Agent header.
const UnknownUserAgent = "(unknown)"

const localhostIP = "127.0.0.1"

// DeriveSessionID computes the stable session identifier for one
// (device, user agent, acting user) triple. The user id is encoded
// big-endian fixed-width so field boundaries are unambiguous.
func DeriveSessionID(deviceID, userAgent string, userID int) string {
	var uid [4]byte
	binary.BigEndian.PutUint32(uid[:], uint32(userID))
	h := sha256.New()
	h.Write([]byte(siteSalt))
	h.Write([]byte(fieldSep))
	h.Write([]byte(deviceID))
	h.Write([]byte(fieldSep))
	h.Write([]byte(userAgent))
	h.Write([]byte(fieldSep))
	h.Write(uid[:])
	return hex.EncodeToString(h.Sum(nil))
}

// ShortID returns the truncated session id used as a diagnostics
// correlation value in logs and traces.
func ShortID(sessionID string) string {
	if len(sessionID) <= 8 {
		return sessionID
	}
	return sessionID[:8]
}

// NormalizeIP maps the addresses under which the gateway sees itself
// (IPv6 loopback in its various spellings, the gateway's own address)
// to the IPv4 loopback, so a local client keeps one identity no matter
// which interface it came in on. Other addresses pass through unchanged.
func NormalizeIP(observed, gatewaySelf string) string {
	trimmed := strings.TrimSpace(observed)
	if trimmed == "" {
		return localhostIP
	}
	if trimmed == gatewaySelf && gatewaySelf != "" {
		return localhostIP
	}
	ip := net.ParseIP(trimmed)
	if ip == nil {
		return trimmed
	}
	if ip.IsLoopback() {
		return localhostIP
	}
	// fe80::1 is the link-local spelling of "this host".
	if ip.Equal(net.ParseIP("fe80::1")) {
		return localhostIP
	}
	return trimmed
}

// NormalizeUserAgent never returns an empty string; a missing user agent
// becomes a fixed sentinel so the hashing contract always gets three
// defined fields.
func NormalizeUserAgent(ua string) string {
	if strings.TrimSpace(ua) == "" {
		return UnknownUserAgent
	}
	return ua
}
