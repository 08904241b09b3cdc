package crdt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hyperkv/hyperkv/kverr"
)

func TestCodec_RoundTrip(t *testing.T) {
	t.Parallel()

	for name, vals := range sampleValues(t) {
		for i, v := range vals {
			frame := Encode(v)
			back, err := Decode(frame)
			require.NoError(t, err, "%s[%d]", name, i)
			require.Equal(t, v.Kind(), back.Kind())
			// Re-encoding the decoded value must reproduce the frame:
			// encoding is canonical (sorted keys), so byte equality is
			// state equality.
			require.Equal(t, frame, Encode(back), "%s[%d]", name, i)
		}
	}
}

func TestCodec_UnknownTag(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte{frameVersion, 0xEE})
	require.Error(t, err)
	require.Equal(t, kverr.TypeMismatch, kverr.KindOf(err))
}

func TestCodec_BadVersion(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte{0x7F, byte(KindPNCounter)})
	require.Error(t, err)
	require.Equal(t, kverr.TypeMismatch, kverr.KindOf(err))
}

func TestCodec_Truncated(t *testing.T) {
	t.Parallel()

	c := NewPNCounter()
	c.Increment("node-with-a-long-name", 99)
	frame := Encode(c)

	for cut := 0; cut < len(frame); cut++ {
		_, err := Decode(frame[:cut])
		require.Error(t, err, "prefix of %d bytes must not decode", cut)
	}
}

// FuzzDecode feeds arbitrary bytes through the decoder: it must reject or
// accept, never panic, and anything it accepts must re-encode decodable.
func FuzzDecode(f *testing.F) {
	reg := NewLWWRegister()
	reg.Set("seed", Timestamp{Logical: 1, Physical: 170000, NodeID: "node-a"})
	f.Add(Encode(reg))

	set := NewLWWSet()
	set.Add("x", Timestamp{Logical: 2, Physical: 170001, NodeID: "node-b"})
	set.Remove("y", Timestamp{Logical: 3, Physical: 170002, NodeID: "node-b"})
	f.Add(Encode(set))

	or := NewORSet()
	or.Add("e", "node-a")
	f.Add(Encode(or))

	cnt := NewPNCounter()
	cnt.Increment("a", 1)
	cnt.Decrement("b", 2)
	f.Add(Encode(cnt))

	f.Add([]byte{})
	f.Add([]byte{frameVersion})
	f.Add([]byte{frameVersion, byte(KindORSet), 0xFF, 0xFF, 0xFF})

	f.Fuzz(func(t *testing.T, frame []byte) {
		v, err := Decode(frame)
		if err != nil {
			return
		}
		if _, err := Decode(Encode(v)); err != nil {
			t.Fatalf("accepted frame does not round-trip: %v", err)
		}
	})
}
