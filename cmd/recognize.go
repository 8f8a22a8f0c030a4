package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"speech-recognition-bridge/internal/app"
	"speech-recognition-bridge/internal/service/audio"
)

var recognizeJSON bool

var recognizeCmd = &cobra.Command{
	Use:   "recognize <file.wav>",
	Short: "Recognize one WAV file as a single utterance",
	Long: `Recognize one WAV file with the configured backend and print the result
as a listenText XML document.

The file must match the configured sample rate, 16-bit mono.

Examples:
  speech-recognition-bridge recognize hello.wav
  speech-recognition-bridge -c bridge.yaml recognize --json hello.wav`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		// stdout carries the result
		cfg.Observability.LogOutput = "stderr"

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		pcm, format, err := audio.DecodeWAV(f)
		if err != nil {
			return err
		}

		application := app.New(cfg)
		if err := application.Start(cmd.Context()); err != nil {
			return err
		}
		defer application.Shutdown()

		if format != application.Format() {
			return fmt.Errorf("%s is %s, expected %s", args[0], format, application.Format())
		}

		p, err := application.NewPipeline("")
		if err != nil {
			return err
		}
		defer p.Close(context.Background())

		res, err := p.Recognize(cmd.Context(), pcm)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if recognizeJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		doc, err := res.MarshalListenText()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(doc))
		return err
	},
}

func init() {
	recognizeCmd.Flags().BoolVar(&recognizeJSON, "json", false, "print the result as JSON")
}
