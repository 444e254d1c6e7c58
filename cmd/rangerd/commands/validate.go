package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rangerd/rangerd/pkg/options"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [options-file]",
		Short: "Validate an options file",
		Long: `Validate an options file against the built-in schema and rules.

This command checks:
  - CUE/YAML syntax validity
  - Schema conformance (unknown fields are rejected)
  - Value rules (password strength, LDAP URLs, sync interval bounds)`,
		Example: `  # Validate a YAML options file
  rangerd validate /etc/rangerd/options.yaml

  # Validate via the global flag
  rangerd --options options.cue validate`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = args[0]
			}

			opts, err := loadOptions(path)
			if err != nil {
				var loadErr *options.LoadError
				if errors.As(err, &loadErr) {
					for _, ve := range loadErr.Errors {
						fmt.Printf("  %s\n", ve.Error())
					}
					return fmt.Errorf("%d validation error(s)", len(loadErr.Errors))
				}
				return err
			}

			fmt.Printf("OK: role=%s app=%s service=%s\n",
				opts.Role, opts.AppName, opts.EffectiveServiceName())
			return nil
		},
	}

	return cmd
}
