package sha0

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

// Known-answer test vectors for the original (withdrawn) SHA algorithm,
// distinct from SHA-1's vectors for the same inputs.
func TestSumKnownVectors(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"abc", "0164b8a914cd2a5e74c4f7ff082c4d97f1edf880"},
		{"", "f96cea198ad1dd5617ac084a3d92c6107708c0ef"},
	}
	for _, c := range cases {
		got := Sum([]byte(c.in))
		require.Equal(t, c.want, hex.EncodeToString(got[:]))
	}
}

func TestSumIsDeterministicAndSizeStable(t *testing.T) {
	a := Sum([]byte("hunter2"))
	b := Sum([]byte("hunter2"))
	require.Equal(t, a, b)
	require.Len(t, a, Size)
}
