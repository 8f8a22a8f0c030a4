package julius

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"speech-recognition-bridge/internal/service/audio"
)

const (
	// logSettle is how long a file must be left untouched before it is read.
	logSettle = 500 * time.Millisecond
	// staleLogAge is how long an undecodable log file is retried before it
	// is removed.
	staleLogAge = 30 * time.Second
)

// LogAudio is one audio file recorded by the engine.
type LogAudio struct {
	Name      string
	Audio     []byte
	Format    audio.Format
	CreatedAt time.Time
}

// collectLogAudio reads and deletes every complete WAV file in dir. Files the
// engine may still be writing are left for a later poll.
func collectLogAudio(dir string, now time.Time) ([]LogAudio, []error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.wav"))
	if err != nil {
		return nil, []error{err}
	}
	sort.Strings(paths)

	var (
		out  []LogAudio
		errs []error
	)
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || now.Sub(info.ModTime()) < logSettle {
			continue
		}
		la, err := readLogAudio(p)
		if err == nil && len(la.Audio) == 0 {
			err = errors.New("empty data chunk")
		}
		if err != nil {
			if now.Sub(info.ModTime()) > staleLogAge {
				_ = os.Remove(p)
				errs = append(errs, fmt.Errorf("julius: removed unreadable log audio %s: %w", filepath.Base(p), err))
			}
			continue
		}
		if err := os.Remove(p); err != nil {
			errs = append(errs, fmt.Errorf("julius: remove log audio: %w", err))
			continue
		}
		out = append(out, la)
	}
	return out, errs
}

func readLogAudio(path string) (LogAudio, error) {
	f, err := os.Open(path)
	if err != nil {
		return LogAudio{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return LogAudio{}, err
	}
	pcm, format, err := audio.DecodeWAV(f)
	if err != nil {
		return LogAudio{}, err
	}
	return LogAudio{
		Name:      filepath.Base(path),
		Audio:     pcm,
		Format:    format,
		CreatedAt: info.ModTime(),
	}, nil
}
