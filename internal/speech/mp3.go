package speech

import (
	"bytes"
	"fmt"
	"time"

	"github.com/hajimehoshi/go-mp3"
)

// decoded mp3 is 16-bit stereo PCM
const mp3BytesPerSample = 4

// MP3Duration decodes the stream headers of data to compute its playback length.
func MP3Duration(data []byte) (time.Duration, error) {
	d, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("decode mp3: %w", err)
	}

	return pcmDuration(d.Length(), d.SampleRate())
}

func pcmDuration(length int64, sampleRate int) (time.Duration, error) {
	if length < 0 || sampleRate <= 0 {
		return 0, fmt.Errorf("unknown mp3 length")
	}

	samples := length / mp3BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate), nil
}
