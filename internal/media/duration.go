package media

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hajimehoshi/go-mp3"
)

// ErrUnknownLength is returned when the decoder cannot determine the stream length.
var ErrUnknownLength = errors.New("unknown audio length")

// bytesPerSample is fixed by go-mp3: 16-bit little endian, two channels.
const bytesPerSample = 4

// DurationSeconds returns the playing time of the MP3 file at path in whole
// seconds, rounded down.
func DurationSeconds(path string) (int, error) {
	if ext := strings.ToLower(filepath.Ext(path)); ext != "" && ext != ".mp3" {
		return 0, fmt.Errorf("unsupported audio format %q", ext)
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open audio: %w", err)
	}
	defer func() { _ = f.Close() }()

	d, err := mp3.NewDecoder(f)
	if err != nil {
		return 0, fmt.Errorf("decode mp3: %w", err)
	}
	n := d.Length()
	if n < 0 || d.SampleRate() <= 0 {
		return 0, ErrUnknownLength
	}
	return int(n / bytesPerSample / int64(d.SampleRate())), nil
}
