package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Sepzie/SingWithMe/internal/config"
	"github.com/Sepzie/SingWithMe/pkg/client"
	tlsutil "github.com/Sepzie/SingWithMe/pkg/tls"
)

// version is set at build time with -ldflags "-X .../cmd.version=..."
var version = "dev"

var (
	cfgFile      string
	serverURL    string
	outputFormat string
	apiKey       string
	caFile       string
	insecure     bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "singwithme",
	Short: "Karaoke track and lyrics processing service",
	Long: `singwithme separates uploaded songs into vocal and backing tracks,
transcribes the vocals into timed lyrics and streams job progress to clients.

Run "singwithme serve" to start the server; the other commands talk to a running server.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./singwithme.yaml or $HOME/.singwithme/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (default from server.public_url)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key sent as a bearer token (default from auth.api_key)")
	rootCmd.PersistentFlags().StringVar(&caFile, "ca-file", "", "CA certificate used to verify an HTTPS server")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "skip TLS certificate verification")
}

// initConfig reads .env, the config file and environment variables
func initConfig() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	if err := config.Prepare(viper.GetViper(), cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if serverURL == "" {
		serverURL = viper.GetString("server.public_url")
	}
	if apiKey == "" {
		apiKey = viper.GetString("auth.api_key")
	}
}

// GetServerURL returns the configured server URL with trailing slashes removed
func GetServerURL() string {
	return strings.TrimRight(serverURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// newClient returns an API client honouring --server, --api-key, --ca-file and --insecure
func newClient() (*client.Client, error) {
	tlsConfig, err := tlsutil.ClientConfig(caFile, insecure)
	if err != nil {
		return nil, err
	}
	return client.New(GetServerURL(), client.WithAPIKey(apiKey), client.WithTLSConfig(tlsConfig)), nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
