package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/crawlmesh/core/internal/config"
)

// version is overwritten at build time via -ldflags.
var version = "dev"

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "crawlmesh",
		Short: "CrawlMesh frontier/worker-pool crawl engine",
		Long:  `CrawlMesh crawls a URL frontier through a pool of crawl and parse workers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
)

// Execute runs the root command.
func Execute() error {
	_ = godotenv.Load()
	_ = rootCmd.ParseFlags(os.Args[1:])
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); env vars prefixed CRAWLMESH_ override it")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("crawlmesh version %s\n", version)
		},
	})

	rootCmd.AddCommand(runCommand())
	rootCmd.AddCommand(seedCommand())
	rootCmd.AddCommand(statsCommand())
}

func loadConfig(fs *cobra.Command) (*config.Config, error) {
	return config.Load(cfgFile, fs.Flags())
}
