package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/switchboard/internal/config"
	"github.com/basket/switchboard/internal/persistence"
	"github.com/basket/switchboard/internal/registry"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed outright.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// DialTimeout bounds each endpoint reachability dial.
var DialTimeout = 2 * time.Second

// Run executes all diagnostic checks. It never registers butlers or writes
// control-plane state.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkAuthToken,
		checkRoster,
		checkEndpoints,
		checkBind,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.Missing {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml not found; using defaults",
			Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail: "fingerprint=" + cfg.Fingerprint()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	path := cfg.DatabasePath()
	store, err := persistence.Open(path, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err), Detail: path}
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: err.Error(), Detail: path}
	}
	butlers, err := store.ListButlers(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err), Detail: path}
	}
	return CheckResult{Name: "Database", Status: StatusPass,
		Message: fmt.Sprintf("Schema valid, %d butler(s) registered", len(butlers)), Detail: path}
}

func checkAuthToken(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Auth Token", Status: StatusSkip, Message: "Config missing"}
	}
	if strings.TrimSpace(cfg.AuthToken) != "" {
		return CheckResult{Name: "Auth Token", Status: StatusPass, Message: "Set in config or SWITCHBOARD_AUTH_TOKEN"}
	}
	path := filepath.Join(cfg.HomeDir, "auth.token")
	b, err := os.ReadFile(path)
	if err != nil || strings.TrimSpace(string(b)) == "" {
		return CheckResult{Name: "Auth Token", Status: StatusWarn, Message: "No token yet; serve generates one on first start", Detail: path}
	}
	return CheckResult{Name: "Auth Token", Status: StatusPass, Message: "Read from auth.token", Detail: path}
}

func checkRoster(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Roster", Status: StatusSkip, Message: "Config missing"}
	}
	dir := cfg.RosterPath()
	if _, err := os.Stat(dir); err != nil {
		return CheckResult{Name: "Roster", Status: StatusWarn, Message: "Roster directory missing", Detail: dir}
	}
	decls, skipped, err := registry.ScanRoster(dir)
	if err != nil {
		return CheckResult{Name: "Roster", Status: StatusFail, Message: fmt.Sprintf("Walk failed: %v", err), Detail: dir}
	}
	if len(skipped) > 0 {
		var b strings.Builder
		for _, s := range skipped {
			fmt.Fprintf(&b, "%s: %s; ", s.Path, s.Error)
		}
		return CheckResult{Name: "Roster", Status: StatusWarn,
			Message: fmt.Sprintf("%d declaration(s) valid, %d skipped", len(decls), len(skipped)),
			Detail:  strings.TrimSuffix(b.String(), "; ")}
	}
	return CheckResult{Name: "Roster", Status: StatusPass, Message: fmt.Sprintf("%d declaration(s) valid", len(decls)), Detail: dir}
}

// checkEndpoints dials the host of every network endpoint declared in the
// roster. stdio and local endpoints are not dialed.
func checkEndpoints(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Endpoints", Status: StatusSkip, Message: "Config missing"}
	}
	decls, _, err := registry.ScanRoster(cfg.RosterPath())
	if err != nil || len(decls) == 0 {
		return CheckResult{Name: "Endpoints", Status: StatusSkip, Message: "No declarations to check"}
	}

	var (
		dialed      int
		unreachable []string
	)
	for _, decl := range decls {
		addr, ok := dialAddr(decl.EndpointURL)
		if !ok {
			continue
		}
		dialed++
		dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
		conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
		cancel()
		if err != nil {
			unreachable = append(unreachable, fmt.Sprintf("%s (%s)", decl.Name, addr))
			continue
		}
		conn.Close()
	}
	switch {
	case dialed == 0:
		return CheckResult{Name: "Endpoints", Status: StatusSkip, Message: "No network endpoints declared"}
	case len(unreachable) > 0:
		return CheckResult{Name: "Endpoints", Status: StatusWarn,
			Message: fmt.Sprintf("%d of %d endpoint(s) unreachable", len(unreachable), dialed),
			Detail:  strings.Join(unreachable, ", ")}
	}
	return CheckResult{Name: "Endpoints", Status: StatusPass, Message: fmt.Sprintf("%d endpoint(s) reachable", dialed)}
}

func dialAddr(endpoint string) (string, bool) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "", false
	}
	port := u.Port()
	switch u.Scheme {
	case "http", "ws":
		if port == "" {
			port = "80"
		}
	case "https", "wss":
		if port == "" {
			port = "443"
		}
	default:
		return "", false
	}
	return net.JoinHostPort(u.Hostname(), port), true
}

// checkBind reports whether bind_addr is free. An occupied port usually
// means serve is already running.
func checkBind(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind", Status: StatusSkip, Message: "Config missing"}
	}
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && strings.Contains(err.Error(), "address already in use") {
			return CheckResult{Name: "Bind", Status: StatusWarn, Message: fmt.Sprintf("%s in use (is serve running?)", cfg.BindAddr)}
		}
		return CheckResult{Name: "Bind", Status: StatusFail, Message: fmt.Sprintf("Cannot bind %s: %v", cfg.BindAddr, err)}
	}
	ln.Close()
	return CheckResult{Name: "Bind", Status: StatusPass, Message: fmt.Sprintf("%s available", cfg.BindAddr)}
}
