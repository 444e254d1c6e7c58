package gate

// builtinPolicies returns the policies every gate carries.
func builtinPolicies() []Policy {
	return []Policy{
		secureLDAPPolicy(),
		fileSecretsPolicy(),
		fileBudgetPolicy(),
	}
}

// secureLDAPPolicy rejects bundles that would send the LDAP bind password
// over a plaintext connection. Inert unless require_secure_ldap is set.
func secureLDAPPolicy() Policy {
	return Policy{
		Name:        "secure-ldap",
		Description: "Requires ldaps:// when the LDAP bind password travels with the bundle",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package rangerd.gate.ldap

import rego.v1

deny contains violation if {
	input.constraints.require_secure_ldap
	input.bundle.env["SYNC_LDAP_BIND_PASSWORD"] != ""
	url := input.bundle.env["SYNC_LDAP_URL"]
	not startswith(url, "ldaps://")
	violation := {
		"rule": "secure-ldap",
		"message": sprintf("LDAP bind password would travel over %s; use an ldaps:// URL or unset require_secure_ldap", [url]),
		"severity": "error",
	}
}`,
	}
}

// fileSecretsPolicy rejects world-readable rendered files that carry
// credential keys. Inert while the controller writes files group-readable.
func fileSecretsPolicy() Policy {
	return Policy{
		Name:        "file-secrets",
		Description: "Forbids world-readable rendered files containing credential keys",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package rangerd.gate.files

import rego.v1

deny contains violation if {
	input.constraints.world_readable
	some name, content in input.bundle.files
	regex.match("(?i)(pwd|password)[a-z_]*=", content)
	violation := {
		"rule": "file-secrets",
		"message": sprintf("%s carries credential keys but would be written world-readable", [name]),
		"severity": "error",
	}
}`,
	}
}

// fileBudgetPolicy caps how many files a bundle may render.
func fileBudgetPolicy() Policy {
	return Policy{
		Name:        "file-budget",
		Description: "Caps the number of rendered files per bundle",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package rangerd.gate.budget

import rego.v1

deny contains violation if {
	limit := input.constraints.max_files
	limit > 0
	rendered := count(input.bundle.files)
	rendered > limit
	violation := {
		"rule": "file-budget",
		"message": sprintf("bundle renders %d files, limit is %d", [rendered, limit]),
		"severity": "error",
	}
}`,
	}
}
