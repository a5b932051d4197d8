package transcription

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildWAV(t *testing.T, channels uint16, samples []int16) string {
	t.Helper()
	var pcm bytes.Buffer
	for _, s := range samples {
		require.NoError(t, binary.Write(&pcm, binary.LittleEndian, s))
	}

	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   channels,
		SampleRate:    16000,
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(pcm.Len()),
	}
	header.ByteRate = header.SampleRate * uint32(channels) * 2
	header.BlockAlign = channels * 2
	header.ChunkSize = 36 + header.Subchunk2Size

	f, err := os.CreateTemp(t.TempDir(), "test-*.wav")
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, binary.Write(f, binary.LittleEndian, header))
	_, err = f.Write(pcm.Bytes())
	require.NoError(t, err)
	return f.Name()
}

func TestLoadWAVSamplesMono(t *testing.T) {
	path := buildWAV(t, 1, []int16{0, 16384, -16384, 32767})
	samples, err := loadWAVSamples(path)
	require.NoError(t, err)
	require.Len(t, samples, 4)
	require.InDelta(t, 0.5, samples[1], 0.001)
	require.InDelta(t, -0.5, samples[2], 0.001)
}

func TestLoadWAVSamplesStereoAverages(t *testing.T) {
	path := buildWAV(t, 2, []int16{0, 32767, 16384, 16384})
	samples, err := loadWAVSamples(path)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	require.InDelta(t, 0.5, samples[0], 0.01)
}

func TestLoadWAVSamplesRejectsNonWAV(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "notwav-*.bin")
	require.NoError(t, err)
	_, err = f.Write([]byte("not a wav file at all, just junk bytes padding"))
	require.NoError(t, err)
	f.Close()

	_, err = loadWAVSamples(f.Name())
	require.Error(t, err)
}

func TestResolveModelNameFallsBackToDefault(t *testing.T) {
	require.Equal(t, allowedModels["small"], resolveModelName("nonexistent-model"))
	require.Equal(t, allowedModels["tiny"], resolveModelName("tiny"))
}

func TestRound2(t *testing.T) {
	require.Equal(t, 1.23, round2(1.2345))
	require.Equal(t, 1.24, round2(1.2355))
}

func TestWriteTempFilePreservesExtAndContent(t *testing.T) {
	path, err := writeTempFile([]byte("hello"), ".wav")
	require.NoError(t, err)
	defer os.Remove(path)
	require.Contains(t, path, ".wav")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}
