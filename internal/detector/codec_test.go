package detector

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-puppeteer/internal/types"
)

// TestMessageFraming validates the 4-byte big-endian prefix matches the
// payload and that consecutive messages are read back in order.
func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer

	first := holisticResponse{Type: msgResult, Seq: 7, PoseLandmarks: []types.Landmark{{X: 0.5, Y: 0.25, Visibility: 0.9}}}
	second := holisticResponse{Type: msgResult, Seq: 8, Error: "model crashed"}

	require.NoError(t, WriteMessage(&buf, first))
	size := binary.BigEndian.Uint32(buf.Bytes()[:4])
	assert.Equal(t, uint32(buf.Len()-4), size)
	require.NoError(t, WriteMessage(&buf, second))

	var got holisticResponse
	require.NoError(t, ReadMessage(&buf, &got))
	if diff := cmp.Diff(first, got); diff != "" {
		t.Errorf("first message mismatch (-want +got):\n%s", diff)
	}
	assert.Nil(t, got.FaceLandmarks, "absent group must decode as nil")

	got = holisticResponse{}
	require.NoError(t, ReadMessage(&buf, &got))
	assert.Equal(t, "model crashed", got.Error)

	assert.ErrorIs(t, ReadMessage(&buf, &got), io.EOF)
}

func TestReadMessageRejectsOversize(t *testing.T) {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], maxMessageSize+1)

	var v holisticResponse
	err := ReadMessage(bytes.NewReader(prefix[:]), &v)
	assert.ErrorContains(t, err, "too large")
}

func TestReadMessageTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, holisticResponse{Seq: 1}))
	truncated := buf.Bytes()[:buf.Len()-1]

	var v holisticResponse
	err := ReadMessage(bytes.NewReader(truncated), &v)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
