package config

import (
	"os"
	"strings"
)

// Environment variables consulted during endpoint resolution.
const (
	EnvRuntimeAPIURL = "ORCHESTRATOR_RUNTIME_API_URL"
	EnvAPIURL        = "ORCHESTRATOR_API_URL"
	EnvWSURL         = "ORCHESTRATOR_WS_URL"
)

const (
	defaultAPIURL = "http://localhost:8000"
	defaultWSURL  = "ws://localhost:8000"
)

// Endpoints holds the resolved REST and websocket base URLs.
type Endpoints struct {
	API string
	WS  string
}

// Endpoints resolves base URLs for this configuration against the process environment.
func (c AppConfig) Endpoints() Endpoints {
	return ResolveEndpoints(c.API, RuntimeOverride(), os.Getenv)
}

// ResolveEndpoints applies the precedence runtime override, runtime env,
// build env, config file, then localhost. The websocket base additionally
// falls back to the scheme-swapped API base.
func ResolveEndpoints(api APIConfig, override RuntimeOverrides, getenv func(string) string) Endpoints {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	apiURL := firstNonEmpty(
		override.APIURL,
		getenv(EnvRuntimeAPIURL),
		getenv(EnvAPIURL),
		api.BaseURL,
		defaultAPIURL,
	)
	wsURL := firstNonEmpty(
		override.WSURL,
		getenv(EnvWSURL),
		api.WSURL,
		DeriveWSURL(apiURL),
		defaultWSURL,
	)
	return Endpoints{API: trimURL(apiURL), WS: trimURL(wsURL)}
}

// DeriveWSURL maps an http(s) base onto ws(s). Unknown schemes yield "".
func DeriveWSURL(apiURL string) string {
	switch {
	case strings.HasPrefix(apiURL, "https://"):
		return "wss://" + strings.TrimPrefix(apiURL, "https://")
	case strings.HasPrefix(apiURL, "http://"):
		return "ws://" + strings.TrimPrefix(apiURL, "http://")
	default:
		return ""
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func trimURL(raw string) string {
	return strings.TrimRight(raw, "/")
}
