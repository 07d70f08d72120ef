// Package browser wraps the local Chrome remote-debugging endpoint: probing
// the port, launching a detached browser, attaching tabs through chromedp and
// serializing access between concurrent fetches.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// DefaultPort is Chrome's conventional remote-debugging port.
const DefaultPort = 9222

// Endpoint is a host:port pair exposing the DevTools protocol.
type Endpoint struct {
	Host string
	Port int
}

// DefaultEndpoint returns the loopback endpoint on DefaultPort.
func DefaultEndpoint() Endpoint {
	return Endpoint{Host: "127.0.0.1", Port: DefaultPort}
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	host := e.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(e.Port))
}

// DevtoolsURL is the URL handed to chromedp's remote allocator, which
// resolves the browser websocket through /json/version.
func (e Endpoint) DevtoolsURL() string {
	return "ws://" + e.Addr()
}

// VersionURL is the DevTools metadata endpoint.
func (e Endpoint) VersionURL() string {
	return "http://" + e.Addr() + "/json/version"
}

func (e Endpoint) String() string {
	return e.Addr()
}

// PortState describes who, if anyone, is listening on the debug port.
type PortState string

// Port states.
const (
	PortFree     PortState = "free"
	PortDevtools PortState = "devtools"
	PortForeign  PortState = "foreign"
)

// PortInfo is the result of inspecting an endpoint.
type PortInfo struct {
	State        PortState
	Browser      string
	WebSocketURL string
	Owner        string
	OwnerPID     int32
}

// Remediation returns operator-facing text for a foreign port holder.
func (p PortInfo) Remediation(ep Endpoint) string {
	owner := "another process"
	if p.Owner != "" {
		owner = fmt.Sprintf("%s (pid %d)", p.Owner, p.OwnerPID)
	}
	return fmt.Sprintf("port %d is held by %s that does not speak DevTools; stop it or choose another browser.debug_port", ep.Port, owner)
}

type versionInfo struct {
	Browser              string `json:"Browser"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// OwnerLookup resolves the process listening on a local TCP port.
type OwnerLookup func(ctx context.Context, port int) (string, int32, error)

// Inspector probes debug endpoints.
type Inspector struct {
	client *http.Client
	dial   time.Duration
	owner  OwnerLookup
}

// NewInspector returns an inspector using timeout for both the TCP dial and
// the metadata request.
func NewInspector(timeout time.Duration) *Inspector {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Inspector{
		client: &http.Client{Timeout: timeout},
		dial:   timeout,
		owner:  LookupPortOwner,
	}
}

// WithOwnerLookup replaces the port-owner resolver.
func (i *Inspector) WithOwnerLookup(fn OwnerLookup) *Inspector {
	if fn != nil {
		i.owner = fn
	}
	return i
}

// Inspect reports whether ep is free, served by a DevTools-compatible browser,
// or held by something else.
func (i *Inspector) Inspect(ctx context.Context, ep Endpoint) (PortInfo, error) {
	dialer := net.Dialer{Timeout: i.dial}
	conn, err := dialer.DialContext(ctx, "tcp", ep.Addr())
	if err != nil {
		if ctx.Err() != nil {
			return PortInfo{}, ctx.Err()
		}
		return PortInfo{State: PortFree}, nil
	}
	_ = conn.Close()

	version, err := i.version(ctx, ep)
	if err == nil && version.WebSocketDebuggerURL != "" {
		return PortInfo{
			State:        PortDevtools,
			Browser:      version.Browser,
			WebSocketURL: version.WebSocketDebuggerURL,
		}, nil
	}
	if ctx.Err() != nil {
		return PortInfo{}, ctx.Err()
	}

	info := PortInfo{State: PortForeign}
	if i.owner != nil {
		if name, pid, ownerErr := i.owner(ctx, ep.Port); ownerErr == nil {
			info.Owner = name
			info.OwnerPID = pid
		}
	}
	return info, nil
}

// WaitDevtools polls until ep answers as a DevTools endpoint.
func (i *Inspector) WaitDevtools(ctx context.Context, ep Endpoint, interval time.Duration) (PortInfo, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		info, err := i.Inspect(ctx, ep)
		if err != nil {
			return PortInfo{}, err
		}
		if info.State == PortDevtools {
			return info, nil
		}
		select {
		case <-ctx.Done():
			return PortInfo{}, fmt.Errorf("wait for devtools on %s: %w", ep, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (i *Inspector) version(ctx context.Context, ep Endpoint) (versionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.VersionURL(), nil)
	if err != nil {
		return versionInfo{}, err
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return versionInfo{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return versionInfo{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var info versionInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&info); err != nil {
		return versionInfo{}, fmt.Errorf("decode version: %w", err)
	}
	return info, nil
}

// ErrOwnerUnknown is returned when no listening socket matches the port.
var ErrOwnerUnknown = errors.New("port owner unknown")

// LookupPortOwner finds the process listening on port via gopsutil.
func LookupPortOwner(ctx context.Context, port int) (string, int32, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return "", 0, fmt.Errorf("list connections: %w", err)
	}
	for _, c := range conns {
		if int(c.Laddr.Port) != port || c.Status != "LISTEN" || c.Pid == 0 {
			continue
		}
		proc, err := process.NewProcessWithContext(ctx, c.Pid)
		if err != nil {
			return "", c.Pid, nil
		}
		name, err := proc.NameWithContext(ctx)
		if err != nil {
			return "", c.Pid, nil
		}
		return name, c.Pid, nil
	}
	return "", 0, ErrOwnerUnknown
}
