package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eblocker/eblocker-sub002/pkg/httpx"
	"github.com/eblocker/eblocker-sub002/pkg/session"
)

// buildDeviceDirectory picks the device directory backend: the HTTP
// collaborator when DEVICE_DIRECTORY_URL is set, otherwise the static
// table from the DEVICES variable. One of the two is required since a
// gateway without device attribution cannot admit any transaction.
func buildDeviceDirectory(client *http.Client) (session.DeviceDirectory, error) {
	if base := strings.TrimSpace(env("DEVICE_DIRECTORY_URL", "")); base != "" {
		return &httpDeviceDirectory{
			lookup:  lookupFromEnv(client, "DEVICE_DIRECTORY"),
			baseURL: strings.TrimRight(base, "/"),
		}, nil
	}
	if raw := strings.TrimSpace(env("DEVICES", "")); raw != "" {
		return parseStaticDevices(raw)
	}
	return nil, errors.New("device directory required: set DEVICE_DIRECTORY_URL or DEVICES")
}

func buildUserAgentService(client *http.Client) session.UserAgentService {
	if base := strings.TrimSpace(env("USER_AGENT_SERVICE_URL", "")); base != "" {
		return &httpUserAgentService{
			lookup:  lookupFromEnv(client, "USER_AGENT_SERVICE"),
			baseURL: strings.TrimRight(base, "/"),
		}
	}
	if raw := strings.TrimSpace(env("CLOAKED_USER_AGENTS", "")); raw != "" {
		return parseStaticUserAgents(raw)
	}
	return nil
}

// lookupFromEnv assembles the retrying JSON client for a directory
// collaborator from its env prefix (auth header, retry count, delay).
func lookupFromEnv(client *http.Client, prefix string) httpx.Lookup {
	return httpx.Lookup{
		Client:     client,
		Headers:    authHeaderMap(env(prefix+"_AUTH_HEADER", ""), env(prefix+"_AUTH_TOKEN", "")),
		Retries:    envInt(prefix+"_RETRIES", 1),
		RetryDelay: time.Millisecond * time.Duration(envInt(prefix+"_RETRY_DELAY_MS", 50)),
	}
}

type httpDeviceDirectory struct {
	lookup  httpx.Lookup
	baseURL string
}

type deviceResponse struct {
	ID     string `json:"id"`
	UserID int    `json:"userId"`
	Name   string `json:"name"`
}

func (d *httpDeviceDirectory) LookupDeviceByIP(ctx context.Context, ip string) (session.Device, error) {
	target := d.baseURL + "/devices?ip=" + url.QueryEscape(ip)
	var resp deviceResponse
	status, err := d.lookup.GetJSON(ctx, target, &resp)
	if err != nil {
		return session.Device{}, fmt.Errorf("device directory: %w", err)
	}
	if status == http.StatusNotFound {
		return session.Device{}, session.ErrUnknownDevice
	}
	if status != http.StatusOK {
		return session.Device{}, fmt.Errorf("device directory: unexpected status %d", status)
	}
	if strings.TrimSpace(resp.ID) == "" {
		return session.Device{}, session.ErrUnknownDevice
	}
	return session.Device{ID: resp.ID, UserID: resp.UserID, Name: resp.Name}, nil
}

// staticDeviceDirectory serves small installations from configuration
// alone, no directory service needed.
type staticDeviceDirectory struct {
	byIP map[string]session.Device
}

// parseStaticDevices reads "ip|deviceID|userID|name" entries separated
// by commas. Pipes keep IPv6 addresses and colon-bearing device ids
// unambiguous.
func parseStaticDevices(raw string) (*staticDeviceDirectory, error) {
	dir := &staticDeviceDirectory{byIP: map[string]session.Device{}}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.Split(entry, "|")
		if len(fields) < 3 {
			return nil, fmt.Errorf("DEVICES entry %q: want ip|deviceID|userID[|name]", entry)
		}
		userID, err := strconv.Atoi(strings.TrimSpace(fields[2]))
		if err != nil {
			return nil, fmt.Errorf("DEVICES entry %q: bad user id: %w", entry, err)
		}
		dev := session.Device{ID: strings.TrimSpace(fields[1]), UserID: userID}
		if len(fields) > 3 {
			dev.Name = strings.TrimSpace(fields[3])
		}
		ip := strings.TrimSpace(fields[0])
		if ip == "" || dev.ID == "" {
			return nil, fmt.Errorf("DEVICES entry %q: ip and device id required", entry)
		}
		dir.byIP[ip] = dev
	}
	if len(dir.byIP) == 0 {
		return nil, errors.New("DEVICES is set but holds no entries")
	}
	return dir, nil
}

func (d *staticDeviceDirectory) LookupDeviceByIP(ctx context.Context, ip string) (session.Device, error) {
	dev, ok := d.byIP[ip]
	if !ok {
		return session.Device{}, session.ErrUnknownDevice
	}
	return dev, nil
}

type httpUserAgentService struct {
	lookup  httpx.Lookup
	baseURL string
}

type cloakResponse struct {
	UserAgent string `json:"userAgent"`
}

func (u *httpUserAgentService) CloakedUserAgent(ctx context.Context, userID int, deviceID string) (string, bool) {
	target := u.baseURL + "/cloak?userId=" + strconv.Itoa(userID) + "&deviceId=" + url.QueryEscape(deviceID)
	var resp cloakResponse
	status, err := u.lookup.GetJSON(ctx, target, &resp)
	if err != nil || status != http.StatusOK {
		return "", false
	}
	if strings.TrimSpace(resp.UserAgent) == "" {
		return "", false
	}
	return resp.UserAgent, true
}

type staticUserAgentService struct {
	byKey map[string]string
}

// parseStaticUserAgents reads "userID|deviceID|userAgent" entries, one
// per line; user agents routinely contain commas and semicolons, so
// only a newline is safe as a separator.
func parseStaticUserAgents(raw string) *staticUserAgentService {
	svc := &staticUserAgentService{byKey: map[string]string{}}
	for _, entry := range strings.Split(raw, "\n") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.SplitN(entry, "|", 3)
		if len(fields) != 3 {
			continue
		}
		ua := strings.TrimSpace(fields[2])
		if ua == "" {
			continue
		}
		svc.byKey[strings.TrimSpace(fields[0])+"|"+strings.TrimSpace(fields[1])] = ua
	}
	return svc
}

func (u *staticUserAgentService) CloakedUserAgent(ctx context.Context, userID int, deviceID string) (string, bool) {
	ua, ok := u.byKey[strconv.Itoa(userID)+"|"+deviceID]
	return ua, ok
}

func authHeaderMap(header, token string) map[string]string {
	header = strings.TrimSpace(header)
	if header == "" || token == "" {
		return nil
	}
	return map[string]string{header: token}
}
