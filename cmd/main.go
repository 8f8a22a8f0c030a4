// Command speech-recognition-bridge runs the recognition service.
//
// Usage:
//
//	speech-recognition-bridge [--config file.yaml] serve
//	speech-recognition-bridge [--config file.yaml] recognize [--json] audio.wav
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"speech-recognition-bridge/internal/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "speech-recognition-bridge",
	Short: "Speech recognition bridge",
	Long: `Segments streamed PCM audio into utterances and recognizes each one with
a cloud service or a local Julius engine.

Configuration is read from the environment (and .env). A YAML file given
with --config is applied before the environment.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML configuration file")
	rootCmd.AddCommand(serveCmd, recognizeCmd)
}

func loadConfig() (*config.Configuration, error) {
	if configFile != "" {
		return config.LoadFile(configFile)
	}
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
