// Package ranger carries the Ranger-specific knowledge of the agent: which
// attributes each dependency kind must provide, how static options and
// dependency attributes combine into workload environment and files, which
// endpoints answer health probes, and the admin REST operations used to
// keep user/group data in line with downstream consumers.
//
// Everything here is data and pure derivation; the synthesizer and the
// reconcile loop decide when any of it is used.
package ranger

import (
	"fmt"

	"github.com/rangerd/rangerd/pkg/options"
	"github.com/rangerd/rangerd/pkg/registry"
)

// Dependency attribute keys.
const (
	// Database attributes.
	AttrDBName     = "dbname"
	AttrDBHost     = "host"
	AttrDBPort     = "port"
	AttrDBUser     = "user"
	AttrDBPassword = "password"

	// DirectoryService attributes.
	AttrLDAPAdminPassword = "admin_password"
	AttrLDAPBaseDN        = "base_dn"
	AttrLDAPURL           = "ldap_url"

	// PeerUnit attributes.
	AttrPeerAddress = "address"

	// DownstreamConsumer attributes.
	AttrConsumerService    = "service"
	AttrConsumerMembership = "user-group-configuration"
)

// WorkloadPort is the port the Ranger admin server listens on.
const WorkloadPort = 6080

// Published fact keys.
const (
	FactPolicyManagerURL = "policy_manager_url"
	FactServiceHostname  = "service_hostname"
	FactTLSSecretName    = "tls_secret_name"
	FactAdminUser        = "admin_user"
	FactAdminPassword    = "admin_password"
)

// Profile binds a role to its dependency requirements and workload shape.
type Profile struct {
	// Role is the managed workload role.
	Role options.Role

	// ServiceName is the managed service unit name.
	ServiceName string

	// ConfigFile is the logical name of the rendered properties file.
	ConfigFile string

	// requiredAttrs holds the attribute keys a ready dependency of each
	// kind must carry for this role.
	requiredAttrs map[registry.Kind][]string
}

// ProfileFor returns the profile of a role.
func ProfileFor(role options.Role) (Profile, error) {
	switch role {
	case options.RoleAdmin:
		return Profile{
			Role:        role,
			ServiceName: "ranger-admin",
			ConfigFile:  "install.properties",
			requiredAttrs: map[registry.Kind][]string{
				registry.KindDatabase:         {AttrDBName, AttrDBHost, AttrDBPort, AttrDBUser, AttrDBPassword},
				registry.KindDirectoryService: {AttrLDAPAdminPassword, AttrLDAPBaseDN, AttrLDAPURL},
				registry.KindPeerUnit:         {AttrPeerAddress},
			},
		}, nil
	case options.RoleUsersync:
		return Profile{
			Role:        role,
			ServiceName: "ranger-usersync",
			ConfigFile:  "ranger-ugsync-site.properties",
			requiredAttrs: map[registry.Kind][]string{
				registry.KindDatabase:         {AttrDBName, AttrDBHost, AttrDBPort, AttrDBUser, AttrDBPassword},
				registry.KindDirectoryService: {AttrLDAPAdminPassword, AttrLDAPBaseDN, AttrLDAPURL},
				registry.KindPeerUnit:         {AttrPeerAddress},
			},
		}, nil
	default:
		return Profile{}, fmt.Errorf("invalid role: %s", role)
	}
}

// RequiredAttributes implements registry.Requirements.
func (p Profile) RequiredAttributes(kind registry.Kind) []string {
	return p.requiredAttrs[kind]
}

// HealthURL returns the liveness probe URL for the role, or "" when the
// role is probed through its service status instead.
func (p Profile) HealthURL(opts options.StaticOptions) string {
	if opts.HealthURL != "" {
		return opts.HealthURL
	}
	if p.Role == options.RoleAdmin {
		return fmt.Sprintf("http://localhost:%d/", WorkloadPort)
	}
	return ""
}

// PolicyManagerURL derives the admin endpoint downstream components use.
// An explicit option wins; an external hostname implies TLS terminated at
// the ingress; otherwise the in-cluster service name is used.
func PolicyManagerURL(opts options.StaticOptions) string {
	if opts.PolicyManagerURL != "" {
		return opts.PolicyManagerURL
	}
	if opts.ExternalHostname != "" && opts.ExternalHostname != opts.AppName {
		return fmt.Sprintf("https://%s:%d", opts.ExternalHostname, WorkloadPort)
	}
	return fmt.Sprintf("http://%s:%d", opts.AppName, WorkloadPort)
}

// Facts computes the consumer-facing facts for the role. Only the admin
// role publishes; usersync has no downstream surface.
func Facts(opts options.StaticOptions) map[string]string {
	if opts.Role != options.RoleAdmin {
		return nil
	}
	facts := map[string]string{
		FactPolicyManagerURL: PolicyManagerURL(opts),
		FactServiceHostname:  opts.AppName,
		FactAdminUser:        "admin",
		FactAdminPassword:    opts.RangerAdminPassword,
	}
	if opts.ExternalHostname != "" {
		facts[FactServiceHostname] = opts.ExternalHostname
		facts[FactTLSSecretName] = opts.TLSSecretName
	}
	return facts
}
