// Package synth turns a dependency snapshot plus static options into a
// configuration bundle. Synthesis is a pure function: no I/O, no clock, no
// randomness, so identical inputs always produce an identical fingerprint.
package synth

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/rangerd/rangerd/pkg/options"
	"github.com/rangerd/rangerd/pkg/ranger"
	"github.com/rangerd/rangerd/pkg/registry"
)

// EnvFile is the logical name of the rendered environment file present in
// every bundle alongside the role's properties file.
const EnvFile = "rangerd.env"

// dbData carries database dependency attributes into templates.
type dbData struct {
	Name     string
	Host     string
	Port     string
	User     string
	Password string
}

// templateData is the root object rendered into the role templates.
type templateData struct {
	AppName          string
	AdminPassword    string
	PolicyManagerURL string
	TLSEnabled       bool
	AuditStore       string
	DB               dbData
	LDAP             ranger.LDAPSettings
	Env              map[string]string
}

// Synthesizer renders configuration bundles for one role. Templates are
// parsed once at construction; Synthesize itself performs no I/O.
type Synthesizer struct {
	profile   ranger.Profile
	templates map[string]*template.Template
}

// New creates a synthesizer for the given role.
func New(role options.Role) (*Synthesizer, error) {
	profile, err := ranger.ProfileFor(role)
	if err != nil {
		return nil, err
	}

	sources := map[string]string{
		"install.properties":            ranger.AdminInstallProperties,
		"ranger-ugsync-site.properties": ranger.UsersyncSiteProperties,
	}

	templates := make(map[string]*template.Template, len(sources))
	for name, text := range sources {
		tmpl, err := template.New(name).Funcs(sprig.TxtFuncMap()).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		templates[name] = tmpl
	}

	return &Synthesizer{profile: profile, templates: templates}, nil
}

// Synthesize maps the snapshot and options to a bundle. It fails with
// *InvalidConfigurationError without producing a partial bundle when any
// validation rule is violated.
func (s *Synthesizer) Synthesize(snap registry.Snapshot, opts options.StaticOptions) (Bundle, error) {
	if err := opts.Role.Validate(); err != nil {
		return Bundle{}, &InvalidConfigurationError{Field: "role", Rule: "must be admin or usersync"}
	}
	if opts.Role != s.profile.Role {
		return Bundle{}, &InvalidConfigurationError{Field: "role", Rule: fmt.Sprintf("synthesizer built for %s", s.profile.Role)}
	}
	if !options.ValidPassword(opts.RangerAdminPassword) {
		return Bundle{}, &InvalidConfigurationError{
			Field: "ranger_admin_password",
			Rule:  "at least 8 characters with one letter and one digit",
		}
	}

	data := templateData{
		AppName:          opts.AppName,
		AdminPassword:    opts.RangerAdminPassword,
		PolicyManagerURL: ranger.PolicyManagerURL(opts),
		TLSEnabled:       opts.ExternalHostname != "" && opts.ExternalHostname != opts.AppName,
	}

	var env map[string]string
	switch opts.Role {
	case options.RoleAdmin:
		db, ok := snap.First(registry.KindDatabase)
		if !ok || !db.State.IsReady() {
			return Bundle{}, &InvalidConfigurationError{Field: "database", Rule: "ready database dependency required"}
		}
		data.DB = dbData{
			Name:     db.Attribute(ranger.AttrDBName),
			Host:     db.Attribute(ranger.AttrDBHost),
			Port:     db.Attribute(ranger.AttrDBPort),
			User:     db.Attribute(ranger.AttrDBUser),
			Password: db.Attribute(ranger.AttrDBPassword),
		}
		env = ranger.AdminEnv(opts, db)

	case options.RoleUsersync:
		dir, _ := snap.First(registry.KindDirectoryService)
		ldap := ranger.ResolveLDAP(opts, dir)
		if ldap.URL == "" {
			return Bundle{}, &InvalidConfigurationError{Field: "sync_ldap_url", Rule: "required"}
		}
		if ldap.BindPassword == "" {
			return Bundle{}, &InvalidConfigurationError{Field: "sync_ldap_bind_password", Rule: "required"}
		}
		if ldap.UserSearchBase == "" {
			return Bundle{}, &InvalidConfigurationError{Field: "sync_ldap_user_search_base", Rule: "required"}
		}
		data.LDAP = ldap
		env = ranger.UsersyncEnv(opts, ldap)
	}

	data.Env = env

	rendered, err := s.render(s.profile.ConfigFile, data)
	if err != nil {
		return Bundle{}, err
	}

	files := map[string]string{
		s.profile.ConfigFile: rendered,
		EnvFile:              renderEnvFile(env),
	}

	service := opts.EffectiveServiceName()
	fingerprint, err := ComputeFingerprint(opts.Role, service, env, files)
	if err != nil {
		return Bundle{}, err
	}

	return Bundle{
		Role:        opts.Role,
		Service:     service,
		HealthURL:   s.profile.HealthURL(opts),
		Env:         env,
		Files:       files,
		Facts:       ranger.Facts(opts),
		Fingerprint: fingerprint,
	}, nil
}

// render executes one named template.
func (s *Synthesizer) render(name string, data templateData) (string, error) {
	tmpl, ok := s.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown template %s", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering %s: %w", name, err)
	}
	return buf.String(), nil
}

// renderEnvFile serializes the environment as KEY=value lines in key order.
func renderEnvFile(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(env[k])
		b.WriteByte('\n')
	}
	return b.String()
}
