package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Sepzie/SingWithMe/internal/config"
	"github.com/Sepzie/SingWithMe/pkg/auth"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long:  `Print the configuration after defaults, config file, .env and environment are applied. Secrets are masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		if f := viper.ConfigFileUsed(); f != "" {
			fmt.Fprintf(os.Stderr, "# from %s\n", f)
		}
		return cfg.WriteYAML(os.Stdout)
	},
}

var configGenKeyCmd = &cobra.Command{
	Use:   "gen-key",
	Short: "Generate a random API key",
	Long:  `Generate a key for auth.api_key (or SINGWITHME_API_KEY). Clients send it as a bearer token.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGenKeyCmd)
}
