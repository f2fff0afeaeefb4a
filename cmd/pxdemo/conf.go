package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pxlab/pxlab/config"
)

func (a *app) mkconfCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkconf",
		Short: "Write the effective configuration to the config file",
		Long: `mkconf writes the configuration in effect, defaults included, to the file
named by --config.  There is no need to do this unless you want to start from
the prepopulated defaults when making a config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Create(a.cfgPath)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := config.Write(f, a.cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", a.cfgPath)
			return nil
		},
	}
}

func (a *app) confCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conf",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.Write(cmd.OutOrStdout(), a.cfg)
		},
	}
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pxdemo version %v\n", Version)
		},
	}
}
