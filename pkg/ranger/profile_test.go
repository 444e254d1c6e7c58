package ranger

import (
	"testing"

	"github.com/rangerd/rangerd/pkg/options"
	"github.com/rangerd/rangerd/pkg/registry"
)

func TestProfileFor(t *testing.T) {
	admin, err := ProfileFor(options.RoleAdmin)
	if err != nil {
		t.Fatalf("Expected admin profile, got error: %v", err)
	}
	if admin.ServiceName != "ranger-admin" {
		t.Errorf("Expected service ranger-admin, got %s", admin.ServiceName)
	}
	if admin.ConfigFile != "install.properties" {
		t.Errorf("Expected install.properties, got %s", admin.ConfigFile)
	}

	usersync, err := ProfileFor(options.RoleUsersync)
	if err != nil {
		t.Fatalf("Expected usersync profile, got error: %v", err)
	}
	if usersync.ServiceName != "ranger-usersync" {
		t.Errorf("Expected service ranger-usersync, got %s", usersync.ServiceName)
	}

	if _, err := ProfileFor(options.Role("tagsync")); err == nil {
		t.Error("Expected error for unknown role, got nil")
	}
}

func TestProfile_RequiredAttributes(t *testing.T) {
	profile, err := ProfileFor(options.RoleAdmin)
	if err != nil {
		t.Fatalf("Expected profile, got error: %v", err)
	}

	dbAttrs := profile.RequiredAttributes(registry.KindDatabase)
	if len(dbAttrs) != 5 {
		t.Fatalf("Expected 5 database attributes, got %d", len(dbAttrs))
	}
	expected := map[string]bool{
		AttrDBName: true, AttrDBHost: true, AttrDBPort: true,
		AttrDBUser: true, AttrDBPassword: true,
	}
	for _, key := range dbAttrs {
		if !expected[key] {
			t.Errorf("Unexpected database attribute %s", key)
		}
	}

	ldapAttrs := profile.RequiredAttributes(registry.KindDirectoryService)
	if len(ldapAttrs) != 3 {
		t.Errorf("Expected 3 directory attributes, got %d", len(ldapAttrs))
	}

	if attrs := profile.RequiredAttributes(registry.KindDownstreamConsumer); len(attrs) != 0 {
		t.Errorf("Expected no required consumer attributes, got %v", attrs)
	}
}

func TestPolicyManagerURL(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*options.StaticOptions)
		want string
	}{
		{
			name: "derived from app name",
			mod:  func(o *options.StaticOptions) {},
			want: "http://ranger:6080",
		},
		{
			name: "external hostname switches to https",
			mod: func(o *options.StaticOptions) {
				o.ExternalHostname = "ranger.example.com"
			},
			want: "https://ranger.example.com:6080",
		},
		{
			name: "external hostname equal to app name stays internal",
			mod: func(o *options.StaticOptions) {
				o.ExternalHostname = "ranger"
			},
			want: "http://ranger:6080",
		},
		{
			name: "explicit option wins",
			mod: func(o *options.StaticOptions) {
				o.ExternalHostname = "ranger.example.com"
				o.PolicyManagerURL = "http://ranger-int:6080"
			},
			want: "http://ranger-int:6080",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := options.DefaultStaticOptions(options.RoleAdmin)
			tt.mod(&opts)
			if got := PolicyManagerURL(opts); got != tt.want {
				t.Errorf("PolicyManagerURL() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFacts(t *testing.T) {
	opts := options.DefaultStaticOptions(options.RoleAdmin)
	facts := Facts(opts)

	if facts[FactPolicyManagerURL] != "http://ranger:6080" {
		t.Errorf("Expected policy manager fact, got %s", facts[FactPolicyManagerURL])
	}
	if facts[FactAdminUser] != "admin" {
		t.Errorf("Expected admin user fact, got %s", facts[FactAdminUser])
	}
	if _, ok := facts[FactTLSSecretName]; ok {
		t.Error("Expected no TLS fact without external hostname")
	}

	opts.ExternalHostname = "ranger.example.com"
	facts = Facts(opts)
	if facts[FactTLSSecretName] != "ranger-tls" {
		t.Errorf("Expected TLS secret fact, got %s", facts[FactTLSSecretName])
	}
	if facts[FactServiceHostname] != "ranger.example.com" {
		t.Errorf("Expected external hostname fact, got %s", facts[FactServiceHostname])
	}

	usersync := options.DefaultStaticOptions(options.RoleUsersync)
	if facts := Facts(usersync); facts != nil {
		t.Errorf("Expected no facts for usersync, got %v", facts)
	}
}

func TestProfile_HealthURL(t *testing.T) {
	admin, _ := ProfileFor(options.RoleAdmin)
	opts := options.DefaultStaticOptions(options.RoleAdmin)

	if got := admin.HealthURL(opts); got != "http://localhost:6080/" {
		t.Errorf("Expected admin health URL, got %s", got)
	}

	opts.HealthURL = "http://ranger:6080/service/public/api/version"
	if got := admin.HealthURL(opts); got != opts.HealthURL {
		t.Errorf("Expected explicit health URL, got %s", got)
	}

	usersync, _ := ProfileFor(options.RoleUsersync)
	if got := usersync.HealthURL(options.DefaultStaticOptions(options.RoleUsersync)); got != "" {
		t.Errorf("Expected empty usersync health URL, got %s", got)
	}
}
