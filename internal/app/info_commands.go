package app

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/xbridge/internal/errors"
	"github.com/ggonzalez94/xbridge/internal/schema"
	"github.com/ggonzalez94/xbridge/internal/version"
)

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Describe commands and flags as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), desc, nil, nil, false)
		},
	}
}

func (s *runtimeState) newProvidersCommand() *cobra.Command {
	root := &cobra.Command{Use: "providers", Short: "Provider commands"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List quote, history and price providers (no keys required)",
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := s.providerSet()
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), set.infos, nil, nil, false)
		},
	}
	root.AddCommand(list)
	return root
}
