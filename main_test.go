package main

import (
	"errors"
	"strings"
	"testing"

	"nvpn-proxy/work/types"
)

func TestDescribe(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"plain", errors.New("boom"), "Error: boom"},
		{"missing credentials", types.Errorf(types.ConfigurationError, "portal.login", "username and password must be set"), "nvpn-proxy set username"},
		{"bad config", types.Wrap(types.ConfigurationError, "config", errors.New("portalURL")), "Configuration error: config: "},
		{"rejected", &types.Error{Kind: types.AuthRejected, Op: "portal.login", Message: "Hibás jelszó"}, "Login rejected by the portal: Hibás jelszó"},
		{"status", types.Status("resolve", 500), "Unexpected portal response, code: 500"},
		{"busy", types.Errorf(types.ResourceBusy, "relay.listen", "port 8090 in use"), "Relay unavailable: "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := describe(tt.err); !strings.Contains(got, tt.want) {
				t.Errorf("describe() = %q, want it to contain %q", got, tt.want)
			}
		})
	}

	if got := describe(types.Wrap(types.ConfigurationError, "config", errors.New("x"))); strings.Contains(got, "set username") {
		t.Errorf("credential hint on unrelated config error: %q", got)
	}
}

func TestServiceNameIsASCII(t *testing.T) {
	name := serviceName()
	if !strings.HasPrefix(name, "NVPN Kozmedia Proxy ") {
		t.Errorf("serviceName() = %q", name)
	}
	for _, r := range name {
		if r > 127 {
			t.Fatalf("non-ascii rune %q in %q", r, name)
		}
	}
}
