// Package app wires the stromer commands.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/joshp123/stromer/internal/config"
)

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "stromer",
		Short:         "Sync Stromer e-bikes from the vendor cloud",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addGlobalFlags(root.PersistentFlags())

	root.AddCommand(newLoginCmd(), newBikesCmd(), newRunCmd())
	root.AddCommand(newCommandCmds()...)
	return root
}

func addGlobalFlags(fs *pflag.FlagSet) {
	fs.String("config", config.DefaultPath, "Path to config.yaml")
	fs.Bool("json", false, "Output JSON to stdout")
	_ = viper.BindPFlags(fs)
}

func configPath() string {
	return viper.GetString("config")
}

func output() outputMode {
	return outputMode{json: viper.GetBool("json")}
}
