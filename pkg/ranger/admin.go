package ranger

import (
	"github.com/rangerd/rangerd/pkg/options"
	"github.com/rangerd/rangerd/pkg/registry"
)

// AdminEnv builds the admin container environment from the database
// dependency attributes and the static options. The caller guarantees the
// dependency is ready; the registry enforced attribute completeness.
func AdminEnv(opts options.StaticOptions, db registry.Dependency) map[string]string {
	return map[string]string{
		"DB_NAME":          db.Attribute(AttrDBName),
		"DB_HOST":          db.Attribute(AttrDBHost),
		"DB_PORT":          db.Attribute(AttrDBPort),
		"DB_USER":          db.Attribute(AttrDBUser),
		"DB_PWD":           db.Attribute(AttrDBPassword),
		"RANGER_ADMIN_PWD": opts.RangerAdminPassword,
		"JAVA_OPTS":        "-Duser.timezone=UTC0",
	}
}

// AdminInstallProperties is the install.properties template rendered for
// the admin role. Sprig helpers fill derived values.
const AdminInstallProperties = `# Ranger admin installation properties.
# Rendered by rangerd; manual edits are overwritten on the next pass.
DB_FLAVOR=POSTGRES
SQL_CONNECTOR_JAR=/usr/share/java/postgresql.jar

db_host={{ .DB.Host }}:{{ .DB.Port }}
db_name={{ .DB.Name }}
db_user={{ .DB.User }}
db_password={{ .DB.Password }}

rangerAdmin_password={{ .AdminPassword }}
rangerTagsync_password={{ .AdminPassword }}
rangerUsersync_password={{ .AdminPassword }}
keyadmin_password={{ .AdminPassword }}

policymgr_external_url={{ .PolicyManagerURL }}
policymgr_http_enabled={{ ternary "false" "true" .TLSEnabled }}

unix_user=ranger
unix_group=ranger
RANGER_PID_DIR_PATH=/var/run/ranger

audit_store={{ .AuditStore | default "db" }}
`
