package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0" ./cmd
var Version = "dev"

// envPrefix namespaces environment overrides, e.g. CODEMENTOR_API_BASE_URL.
const envPrefix = "CODEMENTOR"

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

// exitError carries a specific exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args[1:])

	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if ee, ok := err.(*exitError); ok {
			return ee.code
		}
		return 1
	}
	return 0
}

// globalOptions are flags shared by every subcommand.
type globalOptions struct {
	v *viper.Viper

	configPath string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{v: newViper()}

	root := &cobra.Command{
		Use:   "codementor",
		Short: "Local host between the IDE and the codementor assistant backend",
		Long: `codementor keeps you signed in to the assistant backend, indexes your
workspace, and turns the assistant's suggestions into reviewable diffs.

Run 'codementor start' to serve the IDE extension.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "Path to config file (default: ~/.codementor/config.toml)")
	pf.String("api-base-url", "", "Backend base URL including the version prefix")
	pf.String("token-store", "", "Path to the credential database")
	pf.String("log-level", "", "Log level: debug, info, warn or error")
	pf.String("log-file", "", "Write logs to this file instead of stderr")
	for _, name := range []string{"api-base-url", "token-store", "log-level", "log-file"} {
		_ = opts.v.BindPFlag(name, pf.Lookup(name))
	}

	root.AddCommand(
		newStartCmd(opts),
		newLoginCmd(opts),
		newRegisterCmd(opts),
		newLogoutCmd(opts),
		newStatusCmd(opts),
		newDiffCmd(),
		newVersionCmd(),
	)
	return root
}

// newViper returns a viper that resolves key some-key from CODEMENTOR_SOME_KEY.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "codementor %s\n", Version)
		},
	}
}
