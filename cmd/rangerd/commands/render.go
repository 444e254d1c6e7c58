package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rangerd/rangerd/pkg/intake"
	"github.com/rangerd/rangerd/pkg/ranger"
	"github.com/rangerd/rangerd/pkg/registry"
	"github.com/rangerd/rangerd/pkg/synth"
	"github.com/rangerd/rangerd/pkg/telemetry"
)

func newRenderCommand() *cobra.Command {
	var (
		declDir         string
		fingerprintOnly bool
	)

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Synthesize the workload bundle without applying it",
		Long: `Synthesize the configuration bundle from an options file and a
declaration directory snapshot and print it. Nothing is applied; this is
the dry-run view of what a reconcile pass would converge the workload
onto. The output includes credentials.`,
		Example: `  # Render the bundle for the current declarations
  rangerd render --options options.yaml --decls /var/lib/rangerd/deps

  # Only print the fingerprint
  rangerd render --options options.yaml --fingerprint-only`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptions("")
			if err != nil {
				return err
			}
			if declDir == "" {
				declDir = opts.DeclDir
			}

			logger := telemetry.NewNopLogger()
			if verbose {
				logger, err = telemetry.NewLogger(telemetry.LoggingConfig{Level: "debug", Format: "console", Output: "stderr"})
				if err != nil {
					return err
				}
			}

			profile, err := ranger.ProfileFor(opts.Role)
			if err != nil {
				return err
			}
			reg := registry.New(registry.Config{Requirements: profile, Logger: logger})
			if _, err := intake.LoadDirectory(declDir, reg, logger); err != nil {
				return err
			}

			snap := reg.Snapshot()
			if !snap.Satisfied() {
				kinds := snap.MissingMandatory()
				names := make([]string, 0, len(kinds))
				for _, k := range kinds {
					names = append(names, string(k))
				}
				return fmt.Errorf("missing mandatory dependency: %s", strings.Join(names, ", "))
			}

			synthesizer, err := synth.New(opts.Role)
			if err != nil {
				return err
			}
			bundle, err := synthesizer.Synthesize(snap, *opts)
			if err != nil {
				return err
			}

			if fingerprintOnly {
				fmt.Println(bundle.Fingerprint)
				return nil
			}
			return printBundle(bundle)
		},
	}

	cmd.Flags().StringVar(&declDir, "decls", "", "declaration directory (defaults to the decl_dir option)")
	cmd.Flags().BoolVar(&fingerprintOnly, "fingerprint-only", false, "print only the bundle fingerprint")

	return cmd
}

func printBundle(bundle synth.Bundle) error {
	out := struct {
		Role        string            `yaml:"role"`
		Service     string            `yaml:"service"`
		HealthURL   string            `yaml:"health_url,omitempty"`
		Fingerprint string            `yaml:"fingerprint"`
		Env         map[string]string `yaml:"env,omitempty"`
		Files       map[string]string `yaml:"files,omitempty"`
		Facts       map[string]string `yaml:"facts,omitempty"`
	}{
		Role:        string(bundle.Role),
		Service:     bundle.Service,
		HealthURL:   bundle.HealthURL,
		Fingerprint: bundle.Fingerprint,
		Env:         bundle.Env,
		Files:       bundle.Files,
		Facts:       bundle.Facts,
	}

	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("rendering bundle: %w", err)
	}
	fmt.Print(string(data))
	return nil
}
