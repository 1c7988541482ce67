// Command memcap runs built-in query workloads against a memory cap and
// prints the accounting diagnostic when the cap is exceeded.
package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "0.1.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCommand builds the command tree. Every flag is also read from
// the environment as MEMCAP_<FLAG>, with dashes replaced by underscores.
func newRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("MEMCAP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "memcap",
		Short: "memcap - hierarchical memory accounting for parallel query execution",
		Long: `memcap runs query workloads whose operators account every byte they hold
in a tree of memory pools (query, pipeline, driver, operator). When a
reservation would exceed the query's cap, the query aborts and memcap
prints a diagnostic of where the memory was held.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "Path to a YAML configuration file")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	pf.String("log-format", "", "Log format (json, console)")
	_ = v.BindPFlags(pf)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "memcap v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})
	root.AddCommand(newScenariosCommand())
	root.AddCommand(newRunCommand(v))
	return root
}
