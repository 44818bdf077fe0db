package app

import (
	"slices"
	"testing"
	"time"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://relay.example.com", want: "wss://relay.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestEnvCSV(t *testing.T) {
	def := []string{"http://localhost"}

	cases := []struct {
		name string
		val  string
		want []string
	}{
		{name: "unset", val: "", want: def},
		{name: "blank items only", val: " , ,", want: def},
		{name: "trims and drops empties", val: " http://a.test ,, http://b.test:* ", want: []string{"http://a.test", "http://b.test:*"}},
		{name: "single", val: "*", want: []string{"*"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("RELAY_TEST_CSV", tc.val)
			got := EnvCSV("RELAY_TEST_CSV", def)
			if !slices.Equal(got, tc.want) {
				t.Fatalf("EnvCSV(%q)=%q want=%q", tc.val, got, tc.want)
			}
		})
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	for _, k := range []string{
		"RELAY_HTTP_ADDR", "RELAY_LOG_FORMAT", "RELAY_DATABASE_URL", "RELAY_SQLITE_PATH",
		"RELAY_MAX_CONCURRENT_USERS", "RELAY_ENFORCE_GROUPS", "RELAY_WS_ALLOWED_ORIGINS",
		"RELAY_WS_RATE_EVENTS", "RELAY_CORS_ALLOWED_ORIGINS",
	} {
		t.Setenv(k, "")
	}

	cfg := LoadConfig()
	if cfg.HTTPAddr != "0.0.0.0:3000" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.LogFormat != "json" {
		t.Fatalf("LogFormat=%q", cfg.LogFormat)
	}
	if cfg.MaxConcurrentUsers != 50 {
		t.Fatalf("MaxConcurrentUsers=%d", cfg.MaxConcurrentUsers)
	}
	if cfg.EnforceGroups || cfg.DatabaseURL != "" || cfg.SQLitePath != "" {
		t.Fatalf("persistence defaults: %+v", cfg)
	}
	if !slices.Equal(cfg.WSAllowedOrigins, []string{"http://localhost", "http://127.0.0.1"}) {
		t.Fatalf("WSAllowedOrigins=%q", cfg.WSAllowedOrigins)
	}
	if cfg.WSRateLimitEvents != 120 || cfg.WSRateLimitWindow != 10*time.Second {
		t.Fatalf("rate limit defaults: %d/%s", cfg.WSRateLimitEvents, cfg.WSRateLimitWindow)
	}
	if cfg.CORSAllowedOrigins != nil {
		t.Fatalf("CORSAllowedOrigins=%q", cfg.CORSAllowedOrigins)
	}
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("RELAY_LOG_FORMAT", "pretty")
	t.Setenv("RELAY_MAX_CONCURRENT_USERS", "3")
	t.Setenv("RELAY_ENFORCE_GROUPS", "true")
	t.Setenv("RELAY_WS_ALLOWED_ORIGINS", "https://chat.example.com, http://localhost:*")
	t.Setenv("RELAY_WS_READ_IDLE_TIMEOUT", "45s")

	cfg := LoadConfig()
	if cfg.LogFormat != "pretty" || cfg.MaxConcurrentUsers != 3 || !cfg.EnforceGroups {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if !slices.Equal(cfg.WSAllowedOrigins, []string{"https://chat.example.com", "http://localhost:*"}) {
		t.Fatalf("WSAllowedOrigins=%q", cfg.WSAllowedOrigins)
	}

	gw := gatewayConfig(cfg)
	if gw.ReadIdleTimeout != 45*time.Second {
		t.Fatalf("gateway ReadIdleTimeout=%s", gw.ReadIdleTimeout)
	}
	if !slices.Equal(gw.AllowedOrigins, cfg.WSAllowedOrigins) {
		t.Fatalf("gateway AllowedOrigins=%q", gw.AllowedOrigins)
	}
}

func TestLoadConfig_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("RELAY_MAX_CONCURRENT_USERS", "-4")
	t.Setenv("RELAY_WS_RATE_WINDOW", "soon")
	t.Setenv("RELAY_ENFORCE_GROUPS", "maybe")

	cfg := LoadConfig()
	if cfg.MaxConcurrentUsers != 50 {
		t.Fatalf("MaxConcurrentUsers=%d", cfg.MaxConcurrentUsers)
	}
	if cfg.WSRateLimitWindow != 10*time.Second {
		t.Fatalf("WSRateLimitWindow=%s", cfg.WSRateLimitWindow)
	}
	if cfg.EnforceGroups {
		t.Fatalf("EnforceGroups must fall back to false")
	}
}
