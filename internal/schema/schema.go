// Package schema describes the command tree for agents that drive xbridge.
package schema

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// AnnotationBroadcasts marks commands that sign and send transactions.
const AnnotationBroadcasts = "xbridge.broadcasts"

type CommandSchema struct {
	Path        string          `json:"path"`
	Use         string          `json:"use"`
	Short       string          `json:"short"`
	Aliases     []string        `json:"aliases,omitempty"`
	Broadcasts  bool            `json:"broadcasts,omitempty"`
	Flags       []FlagSchema    `json:"flags,omitempty"`
	Subcommands []CommandSchema `json:"subcommands,omitempty"`
}

type FlagSchema struct {
	Name      string `json:"name"`
	Shorthand string `json:"shorthand,omitempty"`
	Type      string `json:"type"`
	Usage     string `json:"usage"`
	Default   string `json:"default,omitempty"`
	Required  bool   `json:"required,omitempty"`
}

// Build serializes the command at commandPath below root, or root itself when
// the path is empty.
func Build(root *cobra.Command, commandPath string) (CommandSchema, error) {
	cmd := root
	for _, p := range strings.Fields(commandPath) {
		next := findChild(cmd, p)
		if next == nil {
			return CommandSchema{}, fmt.Errorf("command not found: %s", commandPath)
		}
		cmd = next
	}
	return serialize(cmd), nil
}

func findChild(cmd *cobra.Command, name string) *cobra.Command {
	for _, c := range cmd.Commands() {
		if c.Name() == name || contains(c.Aliases, name) {
			return c
		}
	}
	return nil
}

func serialize(cmd *cobra.Command) CommandSchema {
	s := CommandSchema{
		Path:       strings.TrimSpace(cmd.CommandPath()),
		Use:        cmd.Use,
		Short:      cmd.Short,
		Aliases:    cmd.Aliases,
		Broadcasts: cmd.Annotations[AnnotationBroadcasts] == "true",
		Flags:      collectFlags(cmd),
	}
	for _, sub := range cmd.Commands() {
		if sub.Hidden || sub.Name() == "help" || sub.Name() == "completion" {
			continue
		}
		s.Subcommands = append(s.Subcommands, serialize(sub))
	}
	return s
}

func collectFlags(cmd *cobra.Command) []FlagSchema {
	items := []FlagSchema{}
	cmd.NonInheritedFlags().VisitAll(func(f *pflag.Flag) {
		_, required := f.Annotations[cobra.BashCompOneRequiredFlag]
		items = append(items, FlagSchema{
			Name:      f.Name,
			Shorthand: f.Shorthand,
			Type:      f.Value.Type(),
			Usage:     f.Usage,
			Default:   f.DefValue,
			Required:  required,
		})
	})
	return items
}

func contains(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}
