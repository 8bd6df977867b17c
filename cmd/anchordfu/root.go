package main

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "ANCHORDFU"

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "anchordfu",
		Short:         "Update anchor firmware and configuration over DFU",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadConfig(v, cmd); err != nil {
				return err
			}
			if v.GetBool("debug") {
				level.Set(slog.LevelDebug)
			}
			return nil
		},
	}

	root.PersistentFlags().String("config", "", "config file (default ./anchordfu.yaml or ~/.config/anchordfu/anchordfu.yaml)")
	root.PersistentFlags().Bool("debug", false, "enable debug logging")

	root.AddCommand(
		newUpdateCmd(v),
		newConfigImageCmd(v),
		newSimulateCmd(v),
	)
	return root
}

// loadConfig layers the config file and ANCHORDFU_* environment under the
// command's flags. Flags set on the command line win.
func loadConfig(v *viper.Viper, cmd *cobra.Command) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("anchordfu")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "anchordfu"))
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	} else {
		slog.Debug("loaded config", "file", v.ConfigFileUsed())
	}

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return v.BindPFlags(cmd.InheritedFlags())
}
