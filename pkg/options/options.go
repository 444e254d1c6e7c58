// Package options loads and validates the static configuration of the
// agent: the operator-set knobs that stay fixed between edits, as opposed
// to the dependency attributes that arrive through the registry.
//
// Options are expressed in CUE (or YAML encoded to CUE), unified with a
// built-in schema that carries structural constraints and defaults, then
// decoded and passed through a struct-tag validator for format rules.
package options

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// Role selects which Ranger workload the agent manages.
type Role string

const (
	// RoleAdmin manages the Ranger admin server.
	RoleAdmin Role = "admin"

	// RoleUsersync manages the LDAP user/group sync daemon.
	RoleUsersync Role = "usersync"
)

// Validate checks if the role is valid.
func (r Role) Validate() error {
	switch r {
	case RoleAdmin, RoleUsersync:
		return nil
	default:
		return fmt.Errorf("invalid role: %s", r)
	}
}

// StaticOptions is the operator-set configuration of the agent.
//
// Dependency attributes always win over the sync_ldap_* fields here; these
// exist so a deployment without a directory integration can still point
// the sync daemon at an external LDAP server.
type StaticOptions struct {
	// Role selects the managed workload.
	Role Role `json:"role" validate:"required,oneof=admin usersync"`

	// AppName is the application name used for service discovery.
	AppName string `json:"app_name" validate:"required,hostname_rfc1123"`

	// ExternalHostname is the ingress hostname, if any.
	ExternalHostname string `json:"external_hostname,omitempty" validate:"omitempty,hostname_rfc1123"`

	// TLSSecretName is the secret carrying the ingress TLS pair.
	TLSSecretName string `json:"tls_secret_name,omitempty"`

	// RangerAdminPassword is the built-in admin account password.
	RangerAdminPassword string `json:"ranger_admin_password" validate:"required,rangerpassword"`

	// LDAP connection options. Overridden by directory-service attributes.
	SyncLDAPURL          string `json:"sync_ldap_url,omitempty" validate:"omitempty,ldapurl"`
	SyncLDAPBindDN       string `json:"sync_ldap_bind_dn,omitempty"`
	SyncLDAPBindPassword string `json:"sync_ldap_bind_password,omitempty" validate:"omitempty,rangerpassword"`

	// LDAP search bases. The synthesizer resolves the effective base per
	// use through explicit -> shared -> derived fallback.
	SyncLDAPSearchBase     string `json:"sync_ldap_search_base,omitempty"`
	SyncLDAPUserSearchBase string `json:"sync_ldap_user_search_base,omitempty"`
	SyncGroupSearchBase    string `json:"sync_group_search_base,omitempty"`

	// SyncInterval is the sync period in milliseconds.
	SyncInterval int `json:"sync_interval" validate:"gte=3600000,lte=86400000"`

	// Search scopes. The shared scope is the fallback for both.
	SyncLDAPSearchScope     string `json:"sync_ldap_search_scope,omitempty" validate:"omitempty,oneof=base one sub"`
	SyncLDAPUserSearchScope string `json:"sync_ldap_user_search_scope,omitempty" validate:"omitempty,oneof=base one sub"`
	SyncGroupSearchScope    string `json:"sync_group_search_scope,omitempty" validate:"omitempty,oneof=base one sub"`

	// LDAP schema shape.
	SyncLDAPUserObjectClass        string `json:"sync_ldap_user_object_class,omitempty"`
	SyncGroupObjectClass           string `json:"sync_group_object_class,omitempty"`
	SyncLDAPUserNameAttribute      string `json:"sync_ldap_user_name_attribute,omitempty"`
	SyncGroupMemberAttributeName   string `json:"sync_group_member_attribute_name,omitempty"`
	SyncLDAPUserGroupNameAttribute string `json:"sync_ldap_user_group_name_attribute,omitempty"`

	SyncGroupUserMapSyncEnabled bool `json:"sync_group_user_map_sync_enabled"`
	SyncLDAPDeltaSyncEnabled    bool `json:"sync_ldap_deltasync_enabled"`

	// PolicyManagerURL overrides the derived admin service URL.
	PolicyManagerURL string `json:"policy_manager_url,omitempty" validate:"omitempty,url"`

	// Agent options.
	PassTimeout  string `json:"pass_timeout,omitempty" validate:"omitempty,duration"`
	DeclDir      string `json:"decl_dir,omitempty"`
	OutboxDir    string `json:"outbox_dir,omitempty"`
	StateDB      string `json:"state_db,omitempty"`
	AdminListen  string `json:"admin_listen,omitempty" validate:"omitempty,hostname_port"`
	WorkloadRoot string `json:"workload_root,omitempty"`
	ServiceName  string `json:"service_name,omitempty"`
	HealthURL    string `json:"health_url,omitempty" validate:"omitempty,url"`

	// Workload transport.
	Transport  string `json:"transport,omitempty" validate:"omitempty,oneof=local ssh"`
	SSHHost    string `json:"ssh_host,omitempty"`
	SSHPort    int    `json:"ssh_port,omitempty" validate:"omitempty,min=1,max=65535"`
	SSHUser    string `json:"ssh_user,omitempty"`
	SSHKeyPath string `json:"ssh_key_path,omitempty"`

	// GatePolicyDir holds additional admission policies to load.
	GatePolicyDir string `json:"gate_policy_dir,omitempty"`

	// RequireSecureLDAP rejects bundles that would send the LDAP bind
	// password over a plaintext ldap:// connection.
	RequireSecureLDAP bool `json:"require_secure_ldap"`

	// UserGroupSeedFile points at a YAML membership document synced into
	// the admin workload whenever it is active.
	UserGroupSeedFile string `json:"user_group_seed_file,omitempty"`

	// Telemetry.
	LogLevel         string  `json:"log_level,omitempty" validate:"omitempty,oneof=trace debug info warn error"`
	LogFormat        string  `json:"log_format,omitempty" validate:"omitempty,oneof=json console"`
	TracingExporter  string  `json:"tracing_exporter,omitempty" validate:"omitempty,oneof=otlp stdout none"`
	TracingEndpoint  string  `json:"tracing_endpoint,omitempty"`
	TraceSampleRatio float64 `json:"trace_sample_ratio" validate:"gte=0,lte=1"`
}

// DefaultStaticOptions returns options with every default applied, matching
// the defaults the schema carries. Callers constructing options in code
// should start here; the loader gets the same defaults from CUE.
func DefaultStaticOptions(role Role) StaticOptions {
	opts := StaticOptions{
		Role:                RoleAdmin,
		AppName:             "ranger",
		TLSSecretName:       "ranger-tls",
		RangerAdminPassword: "rangerR0cks!",

		SyncInterval:                   3600000,
		SyncLDAPUserObjectClass:        "person",
		SyncGroupObjectClass:           "posixGroup",
		SyncLDAPUserNameAttribute:      "uid",
		SyncGroupMemberAttributeName:   "memberUid",
		SyncLDAPUserGroupNameAttribute: "memberOf",
		SyncGroupUserMapSyncEnabled:    true,

		PassTimeout:  "30s",
		DeclDir:      "/var/lib/rangerd/deps",
		OutboxDir:    "/var/lib/rangerd/outbox",
		StateDB:      "/var/lib/rangerd/state.db",
		AdminListen:  ":9425",
		WorkloadRoot: "/opt/ranger",

		Transport: "local",
		SSHPort:   22,

		LogLevel:         "info",
		LogFormat:        "json",
		TracingExporter:  "none",
		TracingEndpoint:  "localhost:4317",
		TraceSampleRatio: 1.0,
	}
	if role != "" {
		opts.Role = role
	}
	return opts
}

// Validate runs the struct-tag validation pass.
func (o StaticOptions) Validate() error {
	v, err := newValidator()
	if err != nil {
		return err
	}
	if err := v.Struct(o); err != nil {
		return fmt.Errorf("options validation failed: %w", err)
	}
	return nil
}

// PassTimeoutDuration returns the parsed pass timeout, defaulting to 30s.
func (o StaticOptions) PassTimeoutDuration() time.Duration {
	if o.PassTimeout == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(o.PassTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// EffectiveServiceName returns the managed service name, derived from the
// role when not set explicitly.
func (o StaticOptions) EffectiveServiceName() string {
	if o.ServiceName != "" {
		return o.ServiceName
	}
	if o.Role == RoleUsersync {
		return "ranger-usersync"
	}
	return "ranger-admin"
}

// EffectiveUserSearchScope resolves the user search scope through
// explicit -> shared -> "sub".
func (o StaticOptions) EffectiveUserSearchScope() string {
	if o.SyncLDAPUserSearchScope != "" {
		return o.SyncLDAPUserSearchScope
	}
	if o.SyncLDAPSearchScope != "" {
		return o.SyncLDAPSearchScope
	}
	return "sub"
}

// EffectiveGroupSearchScope resolves the group search scope through
// explicit -> shared -> "sub".
func (o StaticOptions) EffectiveGroupSearchScope() string {
	if o.SyncGroupSearchScope != "" {
		return o.SyncGroupSearchScope
	}
	if o.SyncLDAPSearchScope != "" {
		return o.SyncLDAPSearchScope
	}
	return "sub"
}

// newValidator builds a validator with the rangerd custom rules registered.
func newValidator() (*validator.Validate, error) {
	v := validator.New()
	if err := v.RegisterValidation("rangerpassword", validatePassword); err != nil {
		return nil, fmt.Errorf("registering rangerpassword validator: %w", err)
	}
	if err := v.RegisterValidation("ldapurl", validateLDAPURL); err != nil {
		return nil, fmt.Errorf("registering ldapurl validator: %w", err)
	}
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return nil, fmt.Errorf("registering duration validator: %w", err)
	}
	return v, nil
}

// validatePassword enforces the Ranger password rule via the tag.
func validatePassword(fl validator.FieldLevel) bool {
	return ValidPassword(fl.Field().String())
}

// ValidPassword reports whether a password satisfies the Ranger rule:
// at least 8 characters with at least one letter and one digit.
func ValidPassword(pw string) bool {
	if len(pw) < 8 {
		return false
	}
	var hasLetter, hasDigit bool
	for _, r := range pw {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	return hasLetter && hasDigit
}

// validateLDAPURL accepts ldap:// and ldaps:// URLs with a host part.
func validateLDAPURL(fl validator.FieldLevel) bool {
	raw := fl.Field().String()
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "ldap" && u.Scheme != "ldaps" {
		return false
	}
	return u.Host != ""
}

// validateDuration accepts time.ParseDuration strings greater than zero.
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

// DescribeValidationError flattens a validator error into field/rule pairs
// usable in status messages.
func DescribeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s violates %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
