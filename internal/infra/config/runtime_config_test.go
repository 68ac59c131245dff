package config

import (
	"testing"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestResolveEndpointsPrecedence(t *testing.T) {
	api := APIConfig{BaseURL: "http://file:8000", WSURL: ""}

	got := ResolveEndpoints(api, RuntimeOverrides{}, envMap(nil))
	if got.API != "http://file:8000" || got.WS != "ws://file:8000" {
		t.Fatalf("expected file values with derived ws, got %+v", got)
	}

	got = ResolveEndpoints(api, RuntimeOverrides{}, envMap(map[string]string{
		EnvAPIURL: "https://build.example.com/",
	}))
	if got.API != "https://build.example.com" || got.WS != "wss://build.example.com" {
		t.Fatalf("expected build env to win over file, got %+v", got)
	}

	got = ResolveEndpoints(api, RuntimeOverrides{}, envMap(map[string]string{
		EnvAPIURL:        "https://build.example.com",
		EnvRuntimeAPIURL: "https://runtime.example.com",
		EnvWSURL:         "wss://socket.example.com",
	}))
	if got.API != "https://runtime.example.com" || got.WS != "wss://socket.example.com" {
		t.Fatalf("expected runtime env and explicit ws, got %+v", got)
	}

	got = ResolveEndpoints(api, RuntimeOverrides{APIURL: "http://override:1"}, envMap(map[string]string{
		EnvRuntimeAPIURL: "https://runtime.example.com",
	}))
	if got.API != "http://override:1" {
		t.Fatalf("expected runtime override to win, got %+v", got)
	}
}

func TestResolveEndpointsDefaults(t *testing.T) {
	got := ResolveEndpoints(APIConfig{}, RuntimeOverrides{}, nil)
	if got.API != "http://localhost:8000" || got.WS != "ws://localhost:8000" {
		t.Fatalf("unexpected defaults %+v", got)
	}
}

func TestDeriveWSURL(t *testing.T) {
	cases := map[string]string{
		"http://a:1":  "ws://a:1",
		"https://a/b": "wss://a/b",
		"ftp://a":     "",
	}
	for in, want := range cases {
		if got := DeriveWSURL(in); got != want {
			t.Fatalf("DeriveWSURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRuntimeStoreReplaceValidates(t *testing.T) {
	store, err := NewRuntimeStore(RuntimeOverrides{APIURL: " http://a:1/ "})
	if err != nil {
		t.Fatalf("NewRuntimeStore: %v", err)
	}
	if store.Snapshot().APIURL != "http://a:1" {
		t.Fatalf("expected normalised url, got %q", store.Snapshot().APIURL)
	}
	if _, err := store.Replace(RuntimeOverrides{WSURL: "not a url"}); err == nil {
		t.Fatalf("expected validation error")
	}
	if store.Snapshot().APIURL != "http://a:1" {
		t.Fatalf("failed replace must keep previous overrides")
	}
}

func TestSetRuntimeOverrideFeedsEndpoints(t *testing.T) {
	if err := SetRuntimeOverride(RuntimeOverrides{APIURL: "https://injected.example.com"}); err != nil {
		t.Fatalf("SetRuntimeOverride: %v", err)
	}
	t.Cleanup(func() { _ = SetRuntimeOverride(RuntimeOverrides{}) })

	got := Default().Endpoints()
	if got.API != "https://injected.example.com" || got.WS != "wss://injected.example.com" {
		t.Fatalf("unexpected endpoints %+v", got)
	}
}
