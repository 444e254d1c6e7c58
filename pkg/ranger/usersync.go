package ranger

import (
	"strconv"

	"github.com/rangerd/rangerd/pkg/options"
	"github.com/rangerd/rangerd/pkg/registry"
)

// LDAPSettings is the resolved LDAP connection and search shape for the
// usersync role, after merging static options with the directory-service
// dependency attributes.
type LDAPSettings struct {
	URL          string
	BindDN       string
	BindPassword string

	SharedSearchBase string
	UserSearchBase   string
	GroupSearchBase  string

	UserSearchScope  string
	GroupSearchScope string

	UserObjectClass        string
	GroupObjectClass       string
	UserNameAttribute      string
	GroupMemberAttribute   string
	UserGroupNameAttribute string

	GroupUserMapSyncEnabled bool
	DeltaSyncEnabled        bool
	IntervalMS              int
}

// firstNonEmpty returns the first non-empty value of the chain.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ResolveSearchBases applies the ordered fallback chain for search bases:
// the shared base falls back to the directory base DN, the user base to
// the shared base, and the group base to the shared then the user base.
func ResolveSearchBases(opts options.StaticOptions, directoryBaseDN string) (shared, user, group string) {
	shared = firstNonEmpty(opts.SyncLDAPSearchBase, directoryBaseDN)
	user = firstNonEmpty(opts.SyncLDAPUserSearchBase, shared)
	group = firstNonEmpty(opts.SyncGroupSearchBase, shared, user)
	return shared, user, group
}

// ResolveLDAP merges static options with directory-service attributes.
// Connection parameters and credentials from the dependency win over the
// static fallbacks; search bases prefer the explicit options.
func ResolveLDAP(opts options.StaticOptions, dir registry.Dependency) LDAPSettings {
	baseDN := dir.Attribute(AttrLDAPBaseDN)

	bindDN := opts.SyncLDAPBindDN
	if baseDN != "" {
		bindDN = "cn=admin," + baseDN
	}

	shared, user, group := ResolveSearchBases(opts, baseDN)

	return LDAPSettings{
		URL:          firstNonEmpty(dir.Attribute(AttrLDAPURL), opts.SyncLDAPURL),
		BindDN:       bindDN,
		BindPassword: firstNonEmpty(dir.Attribute(AttrLDAPAdminPassword), opts.SyncLDAPBindPassword),

		SharedSearchBase: shared,
		UserSearchBase:   user,
		GroupSearchBase:  group,

		UserSearchScope:  opts.EffectiveUserSearchScope(),
		GroupSearchScope: opts.EffectiveGroupSearchScope(),

		UserObjectClass:        firstNonEmpty(opts.SyncLDAPUserObjectClass, "person"),
		GroupObjectClass:       firstNonEmpty(opts.SyncGroupObjectClass, "posixGroup"),
		UserNameAttribute:      firstNonEmpty(opts.SyncLDAPUserNameAttribute, "uid"),
		GroupMemberAttribute:   firstNonEmpty(opts.SyncGroupMemberAttributeName, "memberUid"),
		UserGroupNameAttribute: firstNonEmpty(opts.SyncLDAPUserGroupNameAttribute, "memberOf"),

		GroupUserMapSyncEnabled: opts.SyncGroupUserMapSyncEnabled,
		DeltaSyncEnabled:        opts.SyncLDAPDeltaSyncEnabled,
		IntervalMS:              opts.SyncInterval,
	}
}

// UsersyncEnv builds the usersync daemon environment from resolved LDAP
// settings and the static options.
func UsersyncEnv(opts options.StaticOptions, ldap LDAPSettings) map[string]string {
	env := map[string]string{
		"POLICY_MGR_URL": PolicyManagerURL(opts),

		"SYNC_LDAP_URL":           ldap.URL,
		"SYNC_LDAP_BIND_DN":       ldap.BindDN,
		"SYNC_LDAP_BIND_PASSWORD": ldap.BindPassword,

		"SYNC_LDAP_SEARCH_BASE":      ldap.SharedSearchBase,
		"SYNC_LDAP_USER_SEARCH_BASE": ldap.UserSearchBase,
		"SYNC_GROUP_SEARCH_BASE":     ldap.GroupSearchBase,

		"SYNC_LDAP_USER_SEARCH_SCOPE": ldap.UserSearchScope,
		"SYNC_GROUP_SEARCH_SCOPE":     ldap.GroupSearchScope,

		"SYNC_LDAP_USER_OBJECT_CLASS":         ldap.UserObjectClass,
		"SYNC_GROUP_OBJECT_CLASS":             ldap.GroupObjectClass,
		"SYNC_LDAP_USER_NAME_ATTRIBUTE":       ldap.UserNameAttribute,
		"SYNC_GROUP_MEMBER_ATTRIBUTE_NAME":    ldap.GroupMemberAttribute,
		"SYNC_LDAP_USER_GROUP_NAME_ATTRIBUTE": ldap.UserGroupNameAttribute,

		"SYNC_GROUP_SEARCH_ENABLED":        strconv.FormatBool(ldap.GroupSearchBase != ""),
		"SYNC_GROUP_USER_MAP_SYNC_ENABLED": strconv.FormatBool(ldap.GroupUserMapSyncEnabled),
		"SYNC_LDAP_DELTASYNC":              strconv.FormatBool(ldap.DeltaSyncEnabled),

		"SYNC_INTERVAL": strconv.Itoa(ldap.IntervalMS),

		"RANGER_ADMIN_PWD": opts.RangerAdminPassword,
	}
	return env
}

// UsersyncSiteProperties is the ranger-ugsync-site.properties template
// rendered for the usersync role.
const UsersyncSiteProperties = `# Ranger usersync site properties.
# Rendered by rangerd; manual edits are overwritten on the next pass.
ranger.usersync.enabled=true
ranger.usersync.source.impl.class=org.apache.ranger.ldapusersync.process.LdapUserGroupBuilder
ranger.usersync.policymanager.baseURL={{ .PolicyManagerURL }}

ranger.usersync.ldap.url={{ .LDAP.URL }}
ranger.usersync.ldap.binddn={{ .LDAP.BindDN }}
ranger.usersync.ldap.ldapbindpassword={{ .LDAP.BindPassword }}

ranger.usersync.ldap.searchBase={{ .LDAP.SharedSearchBase }}
ranger.usersync.ldap.user.searchbase={{ .LDAP.UserSearchBase }}
ranger.usersync.group.searchbase={{ .LDAP.GroupSearchBase }}

ranger.usersync.ldap.user.searchscope={{ .LDAP.UserSearchScope }}
ranger.usersync.group.searchscope={{ .LDAP.GroupSearchScope }}

ranger.usersync.ldap.user.objectclass={{ .LDAP.UserObjectClass }}
ranger.usersync.group.objectclass={{ .LDAP.GroupObjectClass }}
ranger.usersync.ldap.user.nameattribute={{ .LDAP.UserNameAttribute }}
ranger.usersync.group.memberattributename={{ .LDAP.GroupMemberAttribute }}
ranger.usersync.ldap.user.groupnameattribute={{ .LDAP.UserGroupNameAttribute }}

ranger.usersync.group.searchenabled={{ ternary "true" "false" (ne .LDAP.GroupSearchBase "") }}
ranger.usersync.group.usermapsyncenabled={{ ternary "true" "false" .LDAP.GroupUserMapSyncEnabled }}
ranger.usersync.ldapdeltasync={{ ternary "true" "false" .LDAP.DeltaSyncEnabled }}

ranger.usersync.sleeptimeinmillisbetweensynccycle={{ .LDAP.IntervalMS }}
`
