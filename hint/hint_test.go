package hint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := Envelope{
		Version:   1,
		Transport: "waku-store",
		Locator:   []byte("node-42"),
		Attrs:     map[string]string{"cluster": "prod"},
	}

	b, err := Encode(e)
	require.NoError(t, err)
	require.NotEmpty(t, b)

	got, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, e, got)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte{0xFF, 0x00, 0x01})
	require.Error(t, err)
}
