package main

import (
	"io"
	"strings"
	"testing"
	"time"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) { v, ok := m[k]; return v, ok }
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfig(nil, env(nil), io.Discard)
	if err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.backend != "socketcan" || cfg.rxTimeout != 2*time.Second || cfg.ifPrefix != "can" || cfg.tapListen != "" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badBackend", func(c *appConfig) { c.backend = "pcan" }},
		{"badFormat", func(c *appConfig) { c.logFormat = "xml" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "trace" }},
		{"badPolicy", func(c *appConfig) { c.hubPolicy = "block" }},
		{"badHubBuf", func(c *appConfig) { c.hubBuffer = 0 }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badSerialTO", func(c *appConfig) { c.serialReadTO = 0 }},
		{"badRxTimeout", func(c *appConfig) { c.rxTimeout = 0 }},
		{"badHandshakeTO", func(c *appConfig) { c.tapHandshakeTO = 0 }},
		{"badMaxClients", func(c *appConfig) { c.tapMaxClients = -1 }},
		{"badMetricsEvery", func(c *appConfig) { c.logMetricsEvery = -time.Second }},
		{"mdnsWithoutTap", func(c *appConfig) { c.mdnsEnable = true }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := parseConfig(nil, env(nil), io.Discard)
			if err != nil {
				t.Fatal(err)
			}
			tc.mod(cfg)
			if err := cfg.validate(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	cfg, err := parseConfig(nil, env(map[string]string{
		"CAN_EXAMPLE_BACKEND":     "serial",
		"CAN_EXAMPLE_IF":          "/dev/ttyUSB0",
		"CAN_EXAMPLE_BAUD":        "230400",
		"CAN_EXAMPLE_RX_TIMEOUT":  "500ms",
		"CAN_EXAMPLE_MDNS_ENABLE": "true",
		"CAN_EXAMPLE_TAP_LISTEN":  ":20000",
		"CAN_EXAMPLE_LOG_LEVEL":   " ",
	}), io.Discard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.backend != "serial" || cfg.iface != "/dev/ttyUSB0" || cfg.baud != 230400 {
		t.Fatalf("string/int overrides not applied: %+v", cfg)
	}
	if cfg.rxTimeout != 500*time.Millisecond || !cfg.mdnsEnable || cfg.tapListen != ":20000" {
		t.Fatalf("duration/bool overrides not applied: %+v", cfg)
	}
	if cfg.logLevel != "warn" {
		t.Fatalf("blank variable must be ignored, got %q", cfg.logLevel)
	}
}

func TestEnvFlagPrecedence(t *testing.T) {
	cfg, err := parseConfig([]string{"-baud", "9600"}, env(map[string]string{"CAN_EXAMPLE_BAUD": "230400"}), io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.baud != 9600 {
		t.Fatalf("flag must win over env, got %d", cfg.baud)
	}
}

func TestEnvBadValue(t *testing.T) {
	_, err := parseConfig(nil, env(map[string]string{
		"CAN_EXAMPLE_HUB_BUFFER": "lots",
		"CAN_EXAMPLE_RX_TIMEOUT": "soon",
	}), io.Discard)
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, name := range []string{"CAN_EXAMPLE_HUB_BUFFER", "CAN_EXAMPLE_RX_TIMEOUT"} {
		if !strings.Contains(err.Error(), name) {
			t.Fatalf("error should name %s: %v", name, err)
		}
	}
}

func TestEnvName(t *testing.T) {
	if got := envName("tap-handshake-timeout"); got != "CAN_EXAMPLE_TAP_HANDSHAKE_TIMEOUT" {
		t.Fatalf("got %s", got)
	}
}
