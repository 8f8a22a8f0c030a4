// Command audioclient streams a WAV file to the bridge over gRPC in real
// time and prints each recognition result as it arrives.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	grpcapi "speech-recognition-bridge/internal/api/grpc"
	"speech-recognition-bridge/internal/service/audio"
)

const chunkInterval = 100 * time.Millisecond

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	audioFile := flag.String("audio", "testdata/sample-16khz.wav", "Path to WAV file (16-bit mono)")
	serverAddr := flag.String("server", "localhost:50051", "gRPC server address")
	sessionID := flag.String("session", "audio-"+time.Now().Format("150405"), "Session ID")
	grammar := flag.String("grammar", "", "Grammar to activate before streaming (local engine only)")
	realtime := flag.Bool("realtime", true, "Pace packets at real-time speed")
	flag.Parse()

	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open audio file")
	}
	pcm, format, err := audio.DecodeWAV(f)
	f.Close()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read WAV file")
	}
	log.Info().Str("format", format.String()).Dur("duration", format.Duration(len(pcm))).Msg("WAV file loaded")

	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect")
	}
	defer conn.Close()
	client := grpcapi.NewClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), format.Duration(len(pcm))+60*time.Second)
	defer cancel()

	if *grammar != "" {
		if err := client.SwitchGrammar(ctx, *grammar); err != nil {
			log.Fatal().Err(err).Str("grammar", *grammar).Msg("Failed to switch grammar")
		}
		log.Info().Str("grammar", *grammar).Msg("Grammar activated")
	}

	stream, err := client.Stream(ctx, *sessionID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create stream")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			res, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				log.Error().Err(err).Msg("Stream failed")
				return
			}
			ev := log.Info().
				Str("utteranceId", res.UtteranceID).
				Str("state", string(res.State)).
				Str("backend", res.Backend)
			if best, ok := res.Best(); ok {
				ev = ev.Str("text", best.Text).Float64("score", best.Score)
			}
			ev.Msg("Result")
		}
	}()

	chunk := format.BytesFor(chunkInterval)
	start := time.Now()
	var sent int
	for off := 0; off < len(pcm); off += chunk {
		end := min(off+chunk, len(pcm))
		if err := stream.Send(pcm[off:end]); err != nil {
			log.Fatal().Err(err).Msg("Failed to send packet")
		}
		sent++
		if *realtime {
			time.Sleep(chunkInterval)
		}
	}
	log.Info().Int("packets", sent).Dur("elapsed", time.Since(start)).Msg("Finished streaming, waiting for results")

	if err := stream.CloseSend(); err != nil {
		log.Fatal().Err(err).Msg("Failed to close stream")
	}
	<-done
}
