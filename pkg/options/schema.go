package options

// Built-in schema definition

const builtinOptionsSchema = `
// Options schema for rangerd static configuration.
//
// The schema carries structural constraints and defaults; format-level
// rules (password complexity, LDAP URLs, hostnames) are enforced by the
// validator pass after decoding.
#Options: {
	// role selects which workload this agent manages
	role: "admin" | "usersync"

	// app_name is the application name used for service discovery
	app_name: string | *"ranger"

	// external_hostname is the ingress hostname, if any
	external_hostname?: string

	// tls_secret_name is the secret carrying the ingress TLS pair
	tls_secret_name: string | *"ranger-tls"

	// ranger_admin_password is the built-in admin account password
	ranger_admin_password: string | *"rangerR0cks!"

	// LDAP sync options; dependency attributes override these
	sync_ldap_url?:           string
	sync_ldap_bind_dn?:       string
	sync_ldap_bind_password?: string

	sync_ldap_search_base?:      string
	sync_ldap_user_search_base?: string
	sync_group_search_base?:     string

	sync_interval: int & >=3600000 & <=86400000 | *3600000

	sync_ldap_search_scope?:      "base" | "one" | "sub"
	sync_ldap_user_search_scope?: "base" | "one" | "sub"
	sync_group_search_scope?:     "base" | "one" | "sub"

	sync_ldap_user_object_class:         string | *"person"
	sync_group_object_class:             string | *"posixGroup"
	sync_ldap_user_name_attribute:       string | *"uid"
	sync_group_member_attribute_name:    string | *"memberUid"
	sync_ldap_user_group_name_attribute: string | *"memberOf"

	sync_group_user_map_sync_enabled: bool | *true
	sync_ldap_deltasync_enabled:      bool | *false

	// policy_manager_url overrides the derived admin service URL
	policy_manager_url?: string

	// agent options
	pass_timeout:  string | *"30s"
	decl_dir:      string | *"/var/lib/rangerd/deps"
	outbox_dir:    string | *"/var/lib/rangerd/outbox"
	state_db:      string | *"/var/lib/rangerd/state.db"
	admin_listen:  string | *":9425"
	workload_root: string | *"/opt/ranger"

	// service_name defaults per role when empty
	service_name?: string
	health_url?:   string

	// workload transport
	transport:     "local" | "ssh" | *"local"
	ssh_host?:     string
	ssh_port:      int & >0 & <65536 | *22
	ssh_user?:     string
	ssh_key_path?: string

	// admission gate
	gate_policy_dir?:    string
	require_secure_ldap: bool | *false

	// user/group seeding
	user_group_seed_file?: string

	// telemetry
	log_level:          "trace" | "debug" | "info" | "warn" | "error" | *"info"
	log_format:         "json" | "console" | *"json"
	tracing_exporter:   "otlp" | "stdout" | "none" | *"none"
	tracing_endpoint:   string | *"localhost:4317"
	trace_sample_ratio: float & >=0 & <=1.0 | *1.0
}

options: #Options
`
