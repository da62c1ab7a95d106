package frame

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeData(t *testing.T) {
	pkt := []byte{1, 2, 3, 4, 5}
	encoded, err := EncodeData(pkt, 1500)
	require.NoError(t, err)

	f, rest, err := Decode(encoded)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, OpData, f.Opcode)
	require.True(t, bytes.Equal(pkt, f.Payload))
}

func TestEncodePingFixedBytes(t *testing.T) {
	want := []byte{0x00, 0x00, 0x00, 0x05, 0x02, 0x50, 0x49, 0x4E, 0x47}
	require.Equal(t, want, EncodePing())
}

func TestEncodePongRoundTrip(t *testing.T) {
	f, _, err := Decode(EncodePong())
	require.NoError(t, err)
	require.Equal(t, OpPong, f.Opcode)
	require.Equal(t, "PONG", string(f.Payload))
}

func TestEncodeByeEmptyReason(t *testing.T) {
	encoded, err := EncodeBye("")
	require.NoError(t, err)
	f, _, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, OpBye, f.Opcode)
	require.Empty(t, f.Payload)
}

func TestDecodeNeedMorePartialLength(t *testing.T) {
	_, rest, err := Decode([]byte{0x00, 0x00})
	require.ErrorIs(t, err, ErrNeedMore)
	require.Equal(t, []byte{0x00, 0x00}, rest)
}

func TestDecodeNeedMorePartialPayload(t *testing.T) {
	full := EncodePing()
	partial := full[:len(full)-2]
	_, rest, err := Decode(partial)
	require.ErrorIs(t, err, ErrNeedMore)
	require.Equal(t, partial, rest)
}

func TestDecodeConcatenatedFrames(t *testing.T) {
	buf := append(EncodePing(), EncodePong()...)

	f1, rest, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, OpPing, f1.Opcode)

	f2, rest2, err := Decode(rest)
	require.NoError(t, err)
	require.Equal(t, OpPong, f2.Opcode)
	require.Empty(t, rest2)
}

func TestDecodeMalformedNeverConsumes(t *testing.T) {
	buf := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x01} // advertises a 4GiB frame
	_, rest, err := Decode(buf)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNeedMore)
	require.Equal(t, buf, rest)
}

// TestBoundaryMTU corresponds to spec B2/P3: encode/decode at
// exactly MTU and MTU+1.
func TestBoundaryMTU(t *testing.T) {
	mtu := 1400
	atMTU := make([]byte, mtu)
	_, err := EncodeData(atMTU, mtu)
	require.NoError(t, err)

	overMTU := make([]byte, mtu+1)
	_, err = EncodeData(overMTU, mtu)
	require.Error(t, err)
}

func TestFrameLengthInvariant(t *testing.T) {
	// P3: for every encoded frame, 5 <= total length <= 65535, and the
	// decoder consumes exactly that many bytes.
	for _, pkt := range [][]byte{{}, {1}, bytes.Repeat([]byte{9}, 2000)} {
		encoded, err := EncodeData(pkt, 9000)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(encoded), MinFrameSize)
		require.LessOrEqual(t, len(encoded), MaxFrameSize)

		_, rest, err := Decode(encoded)
		require.NoError(t, err)
		require.Empty(t, rest)
	}
}
