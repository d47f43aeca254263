package config

import "testing"

func TestLoadDefaultsRepoBaseDir(t *testing.T) {
	t.Setenv("REPO_BASE_DIR", "")
	c := Load()
	if c.RepoBaseDir != DefaultRepoBaseDir {
		t.Errorf("RepoBaseDir = %q, want default %q", c.RepoBaseDir, DefaultRepoBaseDir)
	}
}

func TestLoadSplitsAdminUsers(t *testing.T) {
	t.Setenv("ADMIN_USERS", "alice, bob,  carol")
	c := Load()
	want := []string{"alice", "bob", "carol"}
	if len(c.AdminUsers) != len(want) {
		t.Fatalf("AdminUsers = %v, want %v", c.AdminUsers, want)
	}
	for i := range want {
		if c.AdminUsers[i] != want[i] {
			t.Errorf("AdminUsers[%d] = %q, want %q", i, c.AdminUsers[i], want[i])
		}
	}
}

func TestLoadParsesProviderDryRun(t *testing.T) {
	t.Setenv("PROVIDER_DRY_RUN", "true")
	if !Load().ProviderDryRun {
		t.Error("ProviderDryRun = false, want true")
	}
	t.Setenv("PROVIDER_DRY_RUN", "")
	if Load().ProviderDryRun {
		t.Error("ProviderDryRun = true, want false when unset")
	}
}

func TestRequireSecretKey(t *testing.T) {
	c := Config{SecretKey: ""}
	if err := c.RequireSecretKey(); err == nil {
		t.Error("expected an error when SecretKey is empty")
	}
	c.SecretKey = "shh"
	if err := c.RequireSecretKey(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
