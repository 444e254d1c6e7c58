package options

import (
	"testing"
	"time"
)

func TestRole_Validate(t *testing.T) {
	tests := []struct {
		name    string
		role    Role
		wantErr bool
	}{
		{"admin valid", RoleAdmin, false},
		{"usersync valid", RoleUsersync, false},
		{"empty invalid", Role(""), true},
		{"unknown invalid", Role("tagsync"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.role.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStaticOptions_Defaults(t *testing.T) {
	opts := DefaultStaticOptions(RoleAdmin)

	if err := opts.Validate(); err != nil {
		t.Fatalf("Expected defaults to validate, got error: %v", err)
	}
	if opts.SyncInterval != 3600000 {
		t.Errorf("Expected default sync interval 3600000, got %d", opts.SyncInterval)
	}
	if opts.SyncLDAPUserObjectClass != "person" {
		t.Errorf("Expected default user object class person, got %s", opts.SyncLDAPUserObjectClass)
	}
	if opts.SyncGroupMemberAttributeName != "memberUid" {
		t.Errorf("Expected default group member attribute memberUid, got %s", opts.SyncGroupMemberAttributeName)
	}
	if !opts.SyncGroupUserMapSyncEnabled {
		t.Error("Expected group user map sync enabled by default")
	}
}

func TestStaticOptions_PasswordRule(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"valid mixed", "passw0rd", false},
		{"valid exactly eight", "abcdefg1", false},
		{"valid default", "rangerR0cks!", false},
		{"too short", "abc1", true},
		{"no digit", "password", true},
		{"no letter", "12345678", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultStaticOptions(RoleAdmin)
			opts.RangerAdminPassword = tt.password
			err := opts.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStaticOptions_SyncIntervalRange(t *testing.T) {
	tests := []struct {
		name     string
		interval int
		wantErr  bool
	}{
		{"lower bound", 3600000, false},
		{"upper bound", 86400000, false},
		{"below range", 3599999, true},
		{"above range", 86400001, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultStaticOptions(RoleUsersync)
			opts.SyncInterval = tt.interval
			err := opts.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStaticOptions_LDAPURLRule(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"empty ok", "", false},
		{"ldap ok", "ldap://ldap.example.internal:389", false},
		{"ldaps ok", "ldaps://ldap.example.internal", false},
		{"http rejected", "http://ldap.example.internal", true},
		{"missing host rejected", "ldap://", true},
		{"bare host rejected", "ldap.example.internal", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultStaticOptions(RoleUsersync)
			opts.SyncLDAPURL = tt.url
			err := opts.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStaticOptions_ScopeRule(t *testing.T) {
	opts := DefaultStaticOptions(RoleUsersync)
	opts.SyncLDAPUserSearchScope = "all"
	if err := opts.Validate(); err == nil {
		t.Error("Expected scope 'all' to be rejected")
	}

	for _, scope := range []string{"base", "one", "sub"} {
		opts.SyncLDAPUserSearchScope = scope
		if err := opts.Validate(); err != nil {
			t.Errorf("Expected scope %q to validate, got error: %v", scope, err)
		}
	}
}

func TestStaticOptions_EffectiveScopes(t *testing.T) {
	opts := DefaultStaticOptions(RoleUsersync)

	if got := opts.EffectiveUserSearchScope(); got != "sub" {
		t.Errorf("Expected default scope sub, got %s", got)
	}

	opts.SyncLDAPSearchScope = "one"
	if got := opts.EffectiveUserSearchScope(); got != "one" {
		t.Errorf("Expected shared scope one, got %s", got)
	}
	if got := opts.EffectiveGroupSearchScope(); got != "one" {
		t.Errorf("Expected shared scope one, got %s", got)
	}

	opts.SyncGroupSearchScope = "base"
	if got := opts.EffectiveGroupSearchScope(); got != "base" {
		t.Errorf("Expected explicit scope base, got %s", got)
	}
	if got := opts.EffectiveUserSearchScope(); got != "one" {
		t.Errorf("Expected user scope unaffected, got %s", got)
	}
}

func TestStaticOptions_EffectiveServiceName(t *testing.T) {
	admin := DefaultStaticOptions(RoleAdmin)
	if got := admin.EffectiveServiceName(); got != "ranger-admin" {
		t.Errorf("Expected ranger-admin, got %s", got)
	}

	usersync := DefaultStaticOptions(RoleUsersync)
	if got := usersync.EffectiveServiceName(); got != "ranger-usersync" {
		t.Errorf("Expected ranger-usersync, got %s", got)
	}

	usersync.ServiceName = "custom"
	if got := usersync.EffectiveServiceName(); got != "custom" {
		t.Errorf("Expected explicit name custom, got %s", got)
	}
}

func TestStaticOptions_PassTimeoutDuration(t *testing.T) {
	opts := DefaultStaticOptions(RoleAdmin)
	if got := opts.PassTimeoutDuration(); got != 30*time.Second {
		t.Errorf("Expected 30s, got %s", got)
	}

	opts.PassTimeout = "2m"
	if got := opts.PassTimeoutDuration(); got != 2*time.Minute {
		t.Errorf("Expected 2m, got %s", got)
	}

	opts.PassTimeout = "garbage"
	if got := opts.PassTimeoutDuration(); got != 30*time.Second {
		t.Errorf("Expected fallback 30s, got %s", got)
	}
}

func TestStaticOptions_TransportRule(t *testing.T) {
	opts := DefaultStaticOptions(RoleAdmin)
	opts.Transport = "docker"
	if err := opts.Validate(); err == nil {
		t.Error("Expected transport docker to be rejected")
	}

	opts.Transport = "ssh"
	opts.SSHPort = 0
	if err := opts.Validate(); err != nil {
		t.Errorf("Expected ssh transport with unset port to validate, got error: %v", err)
	}
	opts.SSHPort = 70000
	if err := opts.Validate(); err == nil {
		t.Error("Expected out-of-range ssh port to be rejected")
	}
}
