package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	atlas "github.com/atlaskv/atlas-go"
)

const version = "0.3.0"

var (
	client *atlas.Client

	rootCmd = &cobra.Command{
		Use:   "atlas-cli",
		Short: "command line client for atlas clusters",
		Long: fmt.Sprintf(`atlas-cli (v%s)

Interactive client for atlas key-value clusters: single record
operations, batch reads, scans and range queries.`, version),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("atlas-cli v%s\n", version)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringSlice("hosts", []string{"127.0.0.1:3000"}, "seed hosts (host:port)")
	rootCmd.PersistentFlags().String("namespace", "test", "namespace to operate on")
	rootCmd.PersistentFlags().String("set", "", "set name within the namespace")
	rootCmd.PersistentFlags().Duration("timeout", 2*time.Second, "total operation timeout")
	rootCmd.PersistentFlags().Bool("verbose", false, "log cluster events to stderr")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(delCmd)
	rootCmd.AddCommand(existsCmd)
	rootCmd.AddCommand(incrCmd)
	rootCmd.AddCommand(touchCmd)
	rootCmd.AddCommand(mgetCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(statsCmd)
}

func initConfig() {
	viper.SetConfigName("atlas-cli")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
	}
	viper.SetEnvPrefix("ATLAS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	// A missing config file is fine; flags and env cover everything.
	_ = viper.ReadInConfig()
}

// setupClient connects to the cluster described by flags, env and config
// file. Used as PersistentPreRunE on every command that talks to the
// cluster.
func setupClient(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return err
	}

	var hosts []atlas.Host
	for _, h := range viper.GetStringSlice("hosts") {
		host, port, found := strings.Cut(h, ":")
		if !found {
			return fmt.Errorf("invalid host %q, want host:port", h)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid port in %q: %w", h, err)
		}
		hosts = append(hosts, atlas.NewHost(host, p))
	}

	policy := atlas.NewClientPolicy()
	if viper.GetBool("verbose") {
		policy.Logger = atlas.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	}

	c, err := atlas.NewClient(policy, hosts...)
	if err != nil {
		return err
	}
	client = c

	timeout := viper.GetDuration("timeout")
	client.DefaultPolicy.TotalTimeout = timeout
	client.DefaultWritePolicy.TotalTimeout = timeout
	return nil
}

func teardownClient(*cobra.Command, []string) {
	if client != nil {
		client.Close()
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
