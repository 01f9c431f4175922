package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-test/deep"
)

const baseYAML = `
identity: master1
endpoints:
  - name: satellite1
    node: sat1.example.com
    service: "5665"
    roles: [satellite]
roles:
  satellite:
    publications: ["checker::CheckResult"]
    subscriptions: ["checker::AssignService", "config::*"]
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMergesDefaults(t *testing.T) {
	path := writeTemp(t, baseYAML)
	f, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if f.RegistrationTTL != 300 || f.DiscoveryInterval != 30 || f.DelegationInterval != 30 || f.APITimeout != 30 {
		t.Errorf("expected default knobs to be filled in, got %+v", f)
	}
	if f.Identity != "master1" {
		t.Errorf("expected identity master1, got %q", f.Identity)
	}
}

func TestLoadRejectsMissingIdentity(t *testing.T) {
	path := writeTemp(t, "endpoints: []\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a config file without an identity")
	}
}

func TestLoadHonorsExplicitOverrides(t *testing.T) {
	path := writeTemp(t, baseYAML+"\nregistrationTTL: 600\n")
	f, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if f.RegistrationTTL != 600 {
		t.Errorf("expected explicit registrationTTL 600 to override the default, got %d", f.RegistrationTTL)
	}
}

func TestConfigImplementsDiscoveryConfig(t *testing.T) {
	path := writeTemp(t, baseYAML)
	f, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	c := New(f)

	eps := c.ConfiguredEndpoints()
	if diff := deep.Equal(eps["satellite1"].Node, "sat1.example.com"); diff != nil {
		t.Errorf("ConfiguredEndpoints: %v", diff)
	}
	if diff := deep.Equal(c.Roles("satellite1"), []string{"satellite"}); diff != nil {
		t.Errorf("Roles: %v", diff)
	}
	if diff := deep.Equal(c.Permissions("satellite", "subscriptions"), []string{"checker::AssignService", "config::*"}); diff != nil {
		t.Errorf("Permissions: %v", diff)
	}
	if c.Permissions("unknown-role", "subscriptions") != nil {
		t.Error("expected Permissions for an unknown role to return nil")
	}
}

func TestWatchReloadsRolesAndEndpoints(t *testing.T) {
	path := writeTemp(t, baseYAML)
	f, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	c := New(f)

	stop, err := Watch(path, c)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stop()

	const updated = `
identity: master1
endpoints:
  - name: satellite2
    node: sat2.example.com
    service: "5665"
    roles: [satellite]
roles:
  satellite:
    publications: ["checker::CheckResult"]
    subscriptions: ["checker::AssignService", "config::*"]
`
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.ConfiguredEndpoints()["satellite2"]; ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expected the watch to pick up the updated endpoints section")
}
