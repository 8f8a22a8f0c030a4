// Command testclient exercises the WebSocket stream with synthetic audio:
// a few tones separated by silence, each of which should come back as one
// recognition result.
package main

import (
	"encoding/binary"
	"flag"
	"math"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"speech-recognition-bridge/internal/models"
	"speech-recognition-bridge/internal/service/audio"
)

func tone(f audio.Format, d time.Duration, hz float64) []byte {
	n := f.BytesFor(d) / 2
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		s := int16(8000 * math.Sin(2*math.Pi*hz*float64(i)/float64(f.SampleRate)))
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(s))
	}
	return buf
}

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	addr := flag.String("server", "localhost:8080", "HTTP server address")
	rate := flag.Int("rate", 16000, "Sample rate of the service")
	utterances := flag.Int("n", 3, "Number of utterances to send")
	flag.Parse()

	f := audio.Format{SampleRate: *rate, Channels: 1, SampleBits: 16}
	u := url.URL{Scheme: "ws", Host: *addr, Path: "/v1/stream", RawQuery: "session=testclient-" + time.Now().Format("150405")}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal().Err(err).Str("url", u.String()).Msg("Failed to connect")
	}
	defer conn.Close()
	log.Info().Str("url", u.String()).Msg("Connected")

	silence := make([]byte, f.BytesFor(400*time.Millisecond))
	for i := 0; i < *utterances; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, tone(f, 500*time.Millisecond, 220*float64(i+1))); err != nil {
			log.Fatal().Err(err).Msg("Failed to send audio")
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, silence); err != nil {
			log.Fatal().Err(err).Msg("Failed to send audio")
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	for i := 0; i < *utterances; i++ {
		var res models.RecognitionResult
		if err := conn.ReadJSON(&res); err != nil {
			log.Fatal().Err(err).Int("received", i).Msg("Failed to read result")
		}
		ev := log.Info().Str("utteranceId", res.UtteranceID).Str("state", string(res.State))
		if best, ok := res.Best(); ok {
			ev = ev.Str("text", best.Text)
		}
		ev.Msg("Result")
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
