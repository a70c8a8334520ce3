// Package protocol defines the request/response wire schema spoken between
// the unprivileged front-end and the privileged helper daemon, plus the
// error taxonomy shared by both sides.
//
// The protocol is strictly request-reply: a tagged request selected by a
// method name, answered by exactly one tagged response or an error. Each
// request variant carries only the parameter block its method needs; the
// others are absent on the wire.
package protocol

import (
	"fmt"
	"time"
)

// Method selects a daemon operation.
type Method string

const (
	MethodGetVersion           Method = "getVersion"
	MethodGetStatus            Method = "getStatus"
	MethodStartEngine          Method = "startEngine"
	MethodStopEngine           Method = "stopEngine"
	MethodRestartEngine        Method = "restartEngine"
	MethodEnableSystemProxy    Method = "enableSystemProxy"
	MethodDisableSystemProxy   Method = "disableSystemProxy"
	MethodGetSystemProxyStatus Method = "getSystemProxyStatus"
	MethodConfigureDNS         Method = "configureDNS"
	MethodFlushDNSCache        Method = "flushDNSCache"
	MethodGetUsedPorts         Method = "getUsedPorts"
	MethodTestConnectivity     Method = "testConnectivity"
	MethodEnableTUN            Method = "enableTUN"
	MethodDisableTUN           Method = "disableTUN"
	MethodGetTUNStatus         Method = "getTUNStatus"
)

// EngineParams carries startEngine parameters. restartEngine and stopEngine
// take no parameters; the daemon reuses the stored launch record.
type EngineParams struct {
	BinaryPath string `json:"binaryPath,omitempty"`
	ConfigPath string `json:"configPath,omitempty"`
	// ConfigContent, when present, is written to ConfigPath before launch.
	// The daemon treats it as opaque bytes.
	ConfigContent []byte `json:"configContent,omitempty"`
}

// ProxyParams carries enableSystemProxy and getSystemProxyStatus parameters.
type ProxyParams struct {
	HTTPPort  int      `json:"httpPort,omitempty"`
	SOCKSPort int      `json:"socksPort,omitempty"`
	PACURL    string   `json:"pacUrl,omitempty"`
	Bypass    []string `json:"bypass,omitempty"`
	// Strict requires exact PAC and bypass-list equality when comparing
	// live OS settings against the expected ports (getSystemProxyStatus).
	Strict bool `json:"strict,omitempty"`
}

// DNSParams carries configureDNS parameters.
type DNSParams struct {
	Servers []string `json:"servers,omitempty"`
	Hijack  bool     `json:"hijack,omitempty"`
}

// TUNParams carries enableTUN parameters.
type TUNParams struct {
	DNSServer string `json:"dnsServer,omitempty"`
}

// ProbeParams carries testConnectivity parameters.
type ProbeParams struct {
	SOCKSPort int    `json:"socksPort,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Request is the wire envelope sent by the client. Method is the tag; at
// most one parameter block is populated.
type Request struct {
	Method Method `json:"method"`
	// ID correlates a request with daemon-side log lines. Optional.
	ID string `json:"id,omitempty"`

	Engine *EngineParams `json:"engine,omitempty"`
	Proxy  *ProxyParams  `json:"proxy,omitempty"`
	DNS    *DNSParams    `json:"dns,omitempty"`
	TUN    *TUNParams    `json:"tun,omitempty"`
	Probe  *ProbeParams  `json:"probe,omitempty"`
}

// EngineRecord reports the supervised engine subprocess.
type EngineRecord struct {
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"startedAt"`
	BinaryPath  string    `json:"binaryPath"`
	ConfigPath  string    `json:"configPath"`
	ControlAddr string    `json:"controlAddr"`
	// Secret authenticates front-end calls to the engine's control API.
	// Generated fresh on every launch.
	Secret string `json:"secret,omitempty"`
}

// ProxyStatus reports live OS proxy settings (read back, not cached).
type ProxyStatus struct {
	Enabled   bool     `json:"enabled"`
	HTTPHost  string   `json:"httpHost,omitempty"`
	HTTPPort  int      `json:"httpPort,omitempty"`
	SOCKSHost string   `json:"socksHost,omitempty"`
	SOCKSPort int      `json:"socksPort,omitempty"`
	PACURL    string   `json:"pacUrl,omitempty"`
	Bypass    []string `json:"bypass,omitempty"`
	// MatchesExpected is set when the request supplied expected ports.
	MatchesExpected *bool `json:"matchesExpected,omitempty"`
}

// DNSStatus reports the last applied resolver configuration.
type DNSStatus struct {
	Servers []string `json:"servers,omitempty"`
	Hijack  bool     `json:"hijack"`
}

// TUNStatus reports the tunnel interface state.
type TUNStatus struct {
	Active    bool   `json:"active"`
	Interface string `json:"interface,omitempty"` // empty when inactive
	Method    string `json:"method,omitempty"`    // e.g. "utun-pf"
}

// ProbeResult reports a connectivity test through the engine.
type ProbeResult struct {
	Reachable bool  `json:"reachable"`
	LatencyMS int64 `json:"latencyMs,omitempty"`
}

// StatusSnapshot is the composite state the front-end polls. Every field is
// a copy; mutating it never touches daemon state.
type StatusSnapshot struct {
	Version       string        `json:"version"`
	State         string        `json:"state"` // idle|initializing|running|error
	LastError     string        `json:"lastError,omitempty"`
	UptimeSeconds int64         `json:"uptimeSeconds"`
	EngineRunning bool          `json:"engineRunning"`
	Engine        *EngineRecord `json:"engine,omitempty"`
	SystemProxy   bool          `json:"systemProxy"`
	DNS           *DNSStatus    `json:"dns,omitempty"`
	TUN           TUNStatus     `json:"tun"`
}

// Response is the wire envelope returned by the daemon. Exactly one of the
// payload fields (or Error) is populated, matching the request's method.
type Response struct {
	OK    bool   `json:"ok"`
	Error *Error `json:"error,omitempty"`

	Version string          `json:"version,omitempty"`
	Status  *StatusSnapshot `json:"status,omitempty"`
	Engine  *EngineRecord   `json:"engine,omitempty"`
	Proxy   *ProxyStatus    `json:"proxy,omitempty"`
	DNS     *DNSStatus      `json:"dns,omitempty"`
	TUN     *TUNStatus      `json:"tun,omitempty"`
	Ports   []int           `json:"ports,omitempty"`
	Probe   *ProbeResult    `json:"probe,omitempty"`
	Message string          `json:"message,omitempty"`
}

// OKResponse returns a bare success response.
func OKResponse() *Response { return &Response{OK: true} }

// MessageResponse returns a success response carrying a human-readable note.
func MessageResponse(format string, args ...any) *Response {
	return &Response{OK: true, Message: fmt.Sprintf(format, args...)}
}

// ErrorResponse wraps a typed error into a response envelope. Non-protocol
// errors are folded into the service domain so the client always receives
// a stable domain/code pair.
func ErrorResponse(err error) *Response {
	return &Response{OK: false, Error: AsError(err)}
}

// Validate checks that the request carries every field its method requires.
// It returns a configuration error naming the first missing field, before
// any subsystem is touched.
func (r *Request) Validate() error {
	switch r.Method {
	case MethodStartEngine:
		if r.Engine == nil {
			return Errf(DomainConfig, CodeMissingField, "startEngine requires engine params")
		}
		if r.Engine.ConfigPath == "" {
			return Errf(DomainConfig, CodeMissingField, "startEngine requires engine.configPath")
		}
	case MethodEnableSystemProxy:
		if r.Proxy == nil {
			return Errf(DomainConfig, CodeMissingField, "enableSystemProxy requires proxy params")
		}
		if r.Proxy.HTTPPort == 0 && r.Proxy.SOCKSPort == 0 && r.Proxy.PACURL == "" {
			return Errf(DomainConfig, CodeMissingField, "enableSystemProxy requires a port or PAC URL")
		}
	case MethodGetSystemProxyStatus:
		// Expected ports are optional; no required fields.
	case MethodConfigureDNS:
		if r.DNS == nil || len(r.DNS.Servers) == 0 {
			return Errf(DomainConfig, CodeMissingField, "configureDNS requires dns.servers")
		}
	case MethodTestConnectivity:
		if r.Probe == nil || r.Probe.SOCKSPort == 0 {
			return Errf(DomainConfig, CodeMissingField, "testConnectivity requires probe.socksPort")
		}
	case MethodEnableTUN:
		if r.TUN == nil || r.TUN.DNSServer == "" {
			return Errf(DomainConfig, CodeMissingField, "enableTUN requires tun.dnsServer")
		}
	case MethodGetVersion, MethodGetStatus, MethodStopEngine, MethodRestartEngine,
		MethodDisableSystemProxy, MethodFlushDNSCache, MethodGetUsedPorts,
		MethodDisableTUN, MethodGetTUNStatus:
		// No parameters.
	default:
		return Errf(DomainService, CodeUnknownMethod, "unknown method %q", r.Method)
	}
	return nil
}
