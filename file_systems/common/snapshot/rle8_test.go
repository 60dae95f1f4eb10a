package snapshot

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRLE8__Groups(t *testing.T) {
	testCases := []struct {
		name     string
		input    []byte
		expected []byte
	}{
		{"empty", []byte{}, []byte{}},
		{"pair", []byte{4, 4}, []byte{4, 4, 0}},
		{"no runs", []byte{0, 1, 2, 3, 4}, []byte{0, 1, 2, 3, 4}},
		{"pair at end", []byte{6, 1, 3, 0, 0}, []byte{6, 1, 3, 0, 0, 0}},
		{"short run", []byte{9, 5, 5, 5, 5, 5, 3, 7}, []byte{9, 5, 5, 3, 3, 7}},
		{
			"adjacent runs",
			[]byte{9, 5, 5, 5, 5, 5, 5, 3, 3, 3, 3, 7},
			[]byte{9, 5, 5, 4, 3, 3, 2, 7},
		},
		{"longest group", bytes.Repeat([]byte{8}, 257), []byte{8, 8, 255}},
		{"one past longest", bytes.Repeat([]byte{8}, 258), []byte{8, 8, 255, 8}},
		{"two past longest", bytes.Repeat([]byte{8}, 259), []byte{8, 8, 255, 8, 8, 0}},
		{
			"block of zeroes",
			make([]byte, 1024),
			[]byte{0, 0, 255, 0, 0, 255, 0, 0, 255, 0, 0, 251},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			output := bytes.Buffer{}
			n, err := encodeRLE8(bytes.NewReader(tc.input), &output)
			require.NoError(t, err)
			assert.EqualValues(t, len(tc.expected), n)
			// An empty buffer's Bytes() is nil, so compare contents only.
			assert.Truef(
				t,
				bytes.Equal(tc.expected, output.Bytes()),
				"encoded to % x, expected % x",
				output.Bytes(),
				tc.expected,
			)

			decoded := bytes.Buffer{}
			n, err = decodeRLE8(bytes.NewReader(output.Bytes()), &decoded)
			require.NoError(t, err)
			assert.EqualValues(t, len(tc.input), n)
			assert.Truef(
				t,
				bytes.Equal(tc.input, decoded.Bytes()),
				"decoded to % x, expected % x",
				decoded.Bytes(),
				tc.input,
			)
		})
	}
}

func TestDecodeRLE8__RandomRoundTrip(t *testing.T) {
	original := make([]byte, 4096)
	_, err := rand.Read(original[:2048])
	require.NoError(t, err)

	encoded := bytes.Buffer{}
	_, err = encodeRLE8(bytes.NewReader(original), &encoded)
	require.NoError(t, err)

	decoded := bytes.Buffer{}
	_, err = decodeRLE8(&encoded, &decoded)
	require.NoError(t, err)
	assert.Equal(t, original, decoded.Bytes())
}

func TestDecodeRLE8__MissingRepeatCount(t *testing.T) {
	decoded := bytes.Buffer{}
	_, err := decodeRLE8(bytes.NewReader([]byte{1, 7, 7}), &decoded)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
