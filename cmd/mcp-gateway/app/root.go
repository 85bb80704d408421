// Package app holds the mcp-gateway command tree.
package app

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time with -ldflags.
var Version = "dev"

const envPrefix = "MCP_GATEWAY"

// NewRootCmd builds the command tree. Every flag can also be supplied as an
// MCP_GATEWAY_<FLAG> environment variable.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "mcp-gateway",
		Short: "Aggregate many MCP servers behind one endpoint",
		Long: `mcp-gateway connects to every configured upstream MCP server (stdio,
Streamable HTTP or SSE, optionally OAuth2 protected), merges their tools,
prompts and resources under namespaced names, and serves the result over a
single Streamable HTTP endpoint.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "Path to the upstream servers file (JSON or YAML)")
	flags.String("credentials", "", "Path to the credentials file")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.String("log-format", "text", "Log format: text or json")
	if err := v.BindPFlags(flags); err != nil {
		panic(fmt.Sprintf("bind persistent flags: %v", err))
	}

	root.AddCommand(
		newServeCmd(v),
		newValidateCmd(v),
		newLogoutCmd(v),
		newVersionCmd(),
	)
	return root
}

func newLogger(v *viper.Viper, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log-level"))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", v.GetString("log-level"))
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(v.GetString("log-format")) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q", v.GetString("log-format"))
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mcp-gateway %s\n", Version)
		},
	}
}
