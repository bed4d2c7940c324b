package profile

import (
	"path/filepath"
	"testing"
)

func TestValidate_Defaults(t *testing.T) {
	dir := t.TempDir()
	p := &Profile{Mode: "dev", Port: 8080, Data: dir}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if p.Driver != "sqlite" {
		t.Errorf("Driver = %q, want sqlite", p.Driver)
	}
	if p.DSN != filepath.Join(dir, "orbit_dev.db") {
		t.Errorf("DSN = %q, want sqlite file under data dir", p.DSN)
	}
	if p.Secret == "" {
		t.Error("Secret should default in dev mode")
	}
}

func TestValidate_Errors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		p    Profile
	}{
		{"unknown driver", Profile{Mode: "dev", Port: 8080, Data: dir, Driver: "mongodb"}},
		{"postgres without dsn", Profile{Mode: "dev", Port: 8080, Data: dir, Driver: "postgres"}},
		{"invalid port", Profile{Mode: "dev", Port: -1, Data: dir}},
		{"prod without secret", Profile{Mode: "prod", Port: 8080, Data: dir}},
		{"missing data dir", Profile{Mode: "dev", Port: 8080, Data: filepath.Join(dir, "nope")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.p.Validate(); err == nil {
				t.Error("Validate() expected error, got nil")
			}
		})
	}
}

func TestFromEnv_Whitelist(t *testing.T) {
	t.Setenv("ORBIT_DRIVER", "postgres")
	t.Setenv("ORBIT_DSN", "postgres://orbit@localhost/orbit")
	t.Setenv("ORBIT_AUTH_DISABLED", "true")
	t.Setenv("ORBIT_SOMETHING_UNKNOWN", "ignored")

	p := &Profile{}
	p.FromEnv()

	if p.Driver != "postgres" {
		t.Errorf("Driver = %q, want postgres", p.Driver)
	}
	if p.DSN != "postgres://orbit@localhost/orbit" {
		t.Errorf("DSN = %q", p.DSN)
	}
	if !p.AuthDisabled {
		t.Error("AuthDisabled should be true")
	}
}
