package options

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoader_LoadInline(t *testing.T) {
	loader, err := NewLoader()
	if err != nil {
		t.Fatalf("Expected loader to build, got error: %v", err)
	}

	tests := []struct {
		name      string
		content   string
		wantErr   bool
		checkFunc func(*testing.T, *StaticOptions)
	}{
		{
			name: "minimal admin options",
			content: `
options: {
	role: "admin"
}
`,
			wantErr: false,
			checkFunc: func(t *testing.T, opts *StaticOptions) {
				if opts.Role != RoleAdmin {
					t.Errorf("expected role admin, got %s", opts.Role)
				}
				if opts.AppName != "ranger" {
					t.Errorf("expected default app name ranger, got %s", opts.AppName)
				}
				if opts.RangerAdminPassword != "rangerR0cks!" {
					t.Errorf("expected default admin password, got %s", opts.RangerAdminPassword)
				}
				if opts.SyncInterval != 3600000 {
					t.Errorf("expected default sync interval, got %d", opts.SyncInterval)
				}
				if opts.Transport != "local" {
					t.Errorf("expected default transport local, got %s", opts.Transport)
				}
				if !opts.SyncGroupUserMapSyncEnabled {
					t.Error("expected group user map sync enabled by default")
				}
			},
		},
		{
			name: "usersync with ldap overrides",
			content: `
options: {
	role: "usersync"
	sync_ldap_url: "ldap://ldap.example.internal:389"
	sync_ldap_search_base: "dc=example,dc=internal"
	sync_interval: 7200000
	sync_group_search_scope: "one"
}
`,
			wantErr: false,
			checkFunc: func(t *testing.T, opts *StaticOptions) {
				if opts.SyncInterval != 7200000 {
					t.Errorf("expected sync interval 7200000, got %d", opts.SyncInterval)
				}
				if opts.EffectiveGroupSearchScope() != "one" {
					t.Errorf("expected group scope one, got %s", opts.EffectiveGroupSearchScope())
				}
				if opts.EffectiveUserSearchScope() != "sub" {
					t.Errorf("expected user scope sub, got %s", opts.EffectiveUserSearchScope())
				}
			},
		},
		{
			name: "missing role",
			content: `
options: {
	app_name: "ranger"
}
`,
			wantErr: true,
		},
		{
			name: "unknown role",
			content: `
options: {
	role: "tagsync"
}
`,
			wantErr: true,
		},
		{
			name: "interval below range",
			content: `
options: {
	role: "usersync"
	sync_interval: 3599999
}
`,
			wantErr: true,
		},
		{
			name: "interval above range",
			content: `
options: {
	role: "usersync"
	sync_interval: 86400001
}
`,
			wantErr: true,
		},
		{
			name: "invalid scope",
			content: `
options: {
	role: "usersync"
	sync_ldap_user_search_scope: "all"
}
`,
			wantErr: true,
		},
		{
			name: "weak admin password",
			content: `
options: {
	role: "admin"
	ranger_admin_password: "short"
}
`,
			wantErr: true,
		},
		{
			name: "non-ldap sync url",
			content: `
options: {
	role: "usersync"
	sync_ldap_url: "http://ldap.example.internal"
}
`,
			wantErr: true,
		},
		{
			name: "unknown field rejected",
			content: `
options: {
	role: "admin"
	no_such_option: true
}
`,
			wantErr: true,
		},
		{
			name: "invalid CUE syntax",
			content: `
options: {
	role: "admin"
	invalid syntax here
}
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := loader.LoadInline(tt.content)

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, opts)
			}
		})
	}
}

func TestLoader_LoadCUEFile(t *testing.T) {
	loader, err := NewLoader()
	if err != nil {
		t.Fatalf("Expected loader to build, got error: %v", err)
	}

	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "rangerd.cue")

	content := `
options: {
	role: "admin"
	app_name: "ranger-k8s"
	ranger_admin_password: "adminpw99"
	external_hostname: "ranger.example.com"
}
`
	if err := os.WriteFile(testFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	opts, err := loader.Load(testFile)
	if err != nil {
		t.Fatalf("Expected load to succeed, got error: %v", err)
	}
	if opts.AppName != "ranger-k8s" {
		t.Errorf("Expected app name ranger-k8s, got %s", opts.AppName)
	}
	if opts.ExternalHostname != "ranger.example.com" {
		t.Errorf("Expected external hostname, got %s", opts.ExternalHostname)
	}
}

func TestLoader_LoadYAMLFile(t *testing.T) {
	loader, err := NewLoader()
	if err != nil {
		t.Fatalf("Expected loader to build, got error: %v", err)
	}

	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "rangerd.yaml")

	content := `
role: usersync
sync_ldap_url: ldaps://ldap.example.internal
sync_interval: 7200000
`
	if err := os.WriteFile(testFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	opts, err := loader.Load(testFile)
	if err != nil {
		t.Fatalf("Expected load to succeed, got error: %v", err)
	}
	if opts.Role != RoleUsersync {
		t.Errorf("Expected role usersync, got %s", opts.Role)
	}
	if opts.SyncInterval != 7200000 {
		t.Errorf("Expected sync interval 7200000, got %d", opts.SyncInterval)
	}
	// Defaults still land through the schema.
	if opts.SyncLDAPUserNameAttribute != "uid" {
		t.Errorf("Expected default user name attribute uid, got %s", opts.SyncLDAPUserNameAttribute)
	}
}

func TestLoader_LoadMissingFile(t *testing.T) {
	loader, err := NewLoader()
	if err != nil {
		t.Fatalf("Expected loader to build, got error: %v", err)
	}

	if _, err := loader.Load("/nonexistent/rangerd.cue"); err == nil {
		t.Error("Expected error for missing file, got nil")
	}
}

func TestLoader_ErrorsCarryPositions(t *testing.T) {
	loader, err := NewLoader()
	if err != nil {
		t.Fatalf("Expected loader to build, got error: %v", err)
	}

	_, err = loader.LoadInline(`
options: {
	role: "admin"
	sync_interval: 10
}
`)
	if err == nil {
		t.Fatal("Expected error, got none")
	}

	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("Expected LoadError, got %T", err)
	}
	if len(loadErr.Errors) == 0 {
		t.Fatal("Expected at least one validation error")
	}
}
