package speech

import (
	"fmt"
	"os"
	"time"

	"github.com/hajimehoshi/go-mp3"
)

// Probe returns the playback duration of an MP3 file.
func Probe(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		return 0, fmt.Errorf("decode mp3: %w", err)
	}
	rate := decoder.SampleRate()
	if rate <= 0 {
		return 0, fmt.Errorf("invalid sample rate %d", rate)
	}
	// Length counts bytes of 16-bit stereo PCM, four bytes per sample frame.
	frames := decoder.Length() / 4
	return time.Duration(frames) * time.Second / time.Duration(rate), nil
}
