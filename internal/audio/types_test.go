package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultFormat(t *testing.T) {
	f := DefaultFormat()
	assert.Equal(t, 16000, f.SampleRate)
	assert.Equal(t, 1, f.Channels)
	assert.Equal(t, 32000, f.BytesPerSecond())

	stereo := Format{SampleRate: 48000, Channels: 2, BitDepth: 16}
	assert.Equal(t, 192000, stereo.BytesPerSecond())
}
