package config

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rackcycle/rackcycle/pkg/broker"
	"github.com/rackcycle/rackcycle/pkg/engine"
)

func TestDuration_UnmarshalYAML(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "30s", want: 30 * time.Second},
		{in: "5m", want: 5 * time.Minute},
		{in: "1m30s", want: 90 * time.Second},
		{in: "250ms", want: 250 * time.Millisecond},
		{in: "-5s", wantErr: true},
		{in: "five seconds", wantErr: true},
		{in: "30", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d Duration
			err := yaml.Unmarshal([]byte(tt.in), &d)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unmarshal %q: %v", tt.in, err)
			}
			if d.Std() != tt.want {
				t.Errorf("got %v, want %v", d.Std(), tt.want)
			}
		})
	}
}

func TestDuration_RoundTrip(t *testing.T) {
	d := Duration(90 * time.Second)

	out, err := yaml.Marshal(d)
	if err != nil {
		t.Fatalf("yaml marshal: %v", err)
	}
	var back Duration
	if err := yaml.Unmarshal(out, &back); err != nil {
		t.Fatalf("yaml unmarshal: %v", err)
	}
	if back != d {
		t.Errorf("yaml round trip: %v != %v", back, d)
	}

	jout, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("json marshal: %v", err)
	}
	if string(jout) != `"1m30s"` {
		t.Errorf("json form = %s", jout)
	}
	var jback Duration
	if err := json.Unmarshal(jout, &jback); err != nil {
		t.Fatalf("json unmarshal: %v", err)
	}
	if jback != d {
		t.Errorf("json round trip: %v != %v", jback, d)
	}
}

func TestBackendConfig_ToCredential(t *testing.T) {
	bc := BackendConfig{
		ID:          "manager-api",
		Kind:        "token",
		AuthURL:     "https://manager.rack.local/api/session",
		Username:    "operator",
		PasswordEnv: "RACKCYCLE_MANAGER_PASSWORD",
		TokenTTL:    1800,
	}

	cred := bc.ToCredential()
	if cred.BackendID != "manager-api" {
		t.Errorf("backend ID = %q", cred.BackendID)
	}
	if cred.Kind != broker.SessionKindToken {
		t.Errorf("kind = %q", cred.Kind)
	}
	if cred.AuthURL != bc.AuthURL || cred.Username != "operator" {
		t.Errorf("credential = %+v", cred)
	}
	if cred.PasswordEnv != "RACKCYCLE_MANAGER_PASSWORD" || cred.TokenTTL != 1800 {
		t.Errorf("credential = %+v", cred)
	}
}

func TestTargetConfig_ToTarget(t *testing.T) {
	tc := TargetConfig{
		Name:          "storage-api",
		Kind:          "token-rest",
		Endpoint:      "https://storage.rack.local",
		Endpoints:     map[string]string{"ssh": "storage.rack:22"},
		ExpectedState: "stopped",
		Backend:       "manager-api",
		Backends:      map[string]string{"ssh": "host-ssh"},
		Labels:        map[string]string{"shutdown_path": "/power/off"},
	}

	target, err := tc.ToTarget()
	if err != nil {
		t.Fatalf("ToTarget: %v", err)
	}
	if target.AdapterKind != engine.AdapterKindTokenREST {
		t.Errorf("kind = %v", target.AdapterKind)
	}
	if target.ExpectedState != engine.ComponentState("stopped") {
		t.Errorf("expected state = %v", target.ExpectedState)
	}
	if got := target.EndpointFor(engine.AdapterKindSSH); got != "storage.rack:22" {
		t.Errorf("ssh endpoint = %q", got)
	}
	if got := target.BackendFor(engine.AdapterKindSSH); got != "host-ssh" {
		t.Errorf("ssh backend = %q", got)
	}
	if target.Labels["shutdown_path"] != "/power/off" {
		t.Errorf("labels = %v", target.Labels)
	}
}

func TestTargetConfig_ToTargetRejectsBadKinds(t *testing.T) {
	tests := []struct {
		name string
		tc   TargetConfig
	}{
		{
			name: "unknown kind",
			tc:   TargetConfig{Name: "x", Kind: "winrm", Endpoint: "x:5985"},
		},
		{
			name: "unknown endpoints key",
			tc: TargetConfig{Name: "x", Kind: "ssh", Endpoint: "x:22",
				Endpoints: map[string]string{"winrm": "x:5985"}},
		},
		{
			name: "unknown backends key",
			tc: TargetConfig{Name: "x", Kind: "ssh", Endpoint: "x:22",
				Backends: map[string]string{"winrm": "b"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.tc.ToTarget(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name string
		ve   ValidationError
		want string
	}{
		{
			name: "message only",
			ve:   ValidationError{Message: "site is required"},
			want: "site is required",
		},
		{
			name: "file and position",
			ve:   ValidationError{File: "fleet.yaml", Line: 12, Column: 3, Message: "bad duration"},
			want: "fleet.yaml:12:3: bad duration",
		},
		{
			name: "file and path",
			ve:   ValidationError{File: "fleet.yaml", Path: "plans[0].phases[1]", Message: "duplicate phase ID"},
			want: "fleet.yaml plans[0].phases[1]: duplicate phase ID",
		},
		{
			name: "path only",
			ve:   ValidationError{Path: "backends[0]", Message: "unknown kind"},
			want: "backends[0]: unknown kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ve.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	one := ValidationErrors{{Message: "first"}}
	if one.Error() != "first" {
		t.Errorf("single = %q", one.Error())
	}

	many := ValidationErrors{{Message: "first"}, {Message: "second"}, {Message: "third"}}
	if got := many.Error(); !strings.Contains(got, "first") || !strings.Contains(got, "2 more") {
		t.Errorf("aggregate = %q", got)
	}
}
