package transport

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/pkg"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestCodec_RoundTrip(t *testing.T) {
	peer := chord.NewPeerAddress("127.0.0.1", 8003)

	tests := []struct {
		name string
		msg  chord.Message
	}{
		{"find_successor", chord.FindSuccessor{Key: 0xdeadbeefcafebabe}},
		{"find_successor_reply", chord.FindSuccessorReply{Successor: peer}},
		{"get_predecessor", chord.GetPredecessor{RequesterKey: 42}},
		{"get_predecessor_reply", chord.GetPredecessorReply{Predecessor: peer}},
		{"notify", chord.Notify{Peer: peer}},
		{"ping", chord.Ping{}},
		{"ping_reply", chord.PingReply{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := Encode(tt.msg)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(body), MaxBodySize)

			got, err := Decode(body)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestCodec_RecomputesPeerKey(t *testing.T) {
	forged := chord.PeerAddress{Host: "127.0.0.1", Port: 8001, Key: 1}

	body, err := Encode(chord.Notify{Peer: forged})
	require.NoError(t, err)

	got, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, chord.NewPeerAddress("127.0.0.1", 8001), got.(chord.Notify).Peer)
}

func TestCodec_MessageTooLarge(t *testing.T) {
	// random bytes do not compress
	raw := make([]byte, 128*1024)
	_, err := rand.Read(raw)
	require.NoError(t, err)

	peer := chord.PeerAddress{Host: string(raw), Port: 8000}
	_, err = Encode(chord.Notify{Peer: peer})
	assert.ErrorIs(t, err, pkg.ErrMessageTooLarge)
}

func TestCodec_DecodeErrors(t *testing.T) {
	kindOnly := func(kind uint64) []byte {
		b := protowire.AppendTag(nil, fieldKind, protowire.VarintType)
		return protowire.AppendVarint(b, kind)
	}

	t.Run("unknown kind", func(t *testing.T) {
		_, err := UnmarshalPayload(kindOnly(42))
		assert.ErrorIs(t, err, pkg.ErrUnknownMessageKind)
	})

	t.Run("missing kind", func(t *testing.T) {
		_, err := UnmarshalPayload(nil)
		assert.ErrorIs(t, err, pkg.ErrUnknownMessageKind)
	})

	t.Run("reply without peer", func(t *testing.T) {
		_, err := UnmarshalPayload(kindOnly(uint64(chord.KindFindSuccessorReply)))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "without peer")
	})

	t.Run("truncated key", func(t *testing.T) {
		b := kindOnly(uint64(chord.KindFindSuccessor))
		b = protowire.AppendTag(b, fieldKey, protowire.Fixed64Type)
		b = append(b, 1, 2, 3)
		_, err := UnmarshalPayload(b)
		assert.Error(t, err)
	})

	t.Run("unknown fields are skipped", func(t *testing.T) {
		b := kindOnly(uint64(chord.KindPing))
		b = protowire.AppendTag(b, 15, protowire.BytesType)
		b = protowire.AppendString(b, "future")
		msg, err := UnmarshalPayload(b)
		require.NoError(t, err)
		assert.Equal(t, chord.Ping{}, msg)
	})

	t.Run("not deflate", func(t *testing.T) {
		_, err := Decode([]byte{0xff, 0xff, 0xff, 0xff})
		assert.Error(t, err)
	})

	t.Run("nil message", func(t *testing.T) {
		_, err := Encode(nil)
		assert.ErrorIs(t, err, pkg.ErrUnknownMessageKind)
	})
}

func TestBufferPool(t *testing.T) {
	pool := NewBufferPool(64)
	assert.Equal(t, 64, pool.Size())

	a := pool.Get()
	b := pool.Get()
	assert.Equal(t, 0, len(*a))
	assert.Equal(t, 64, cap(*a))
	assert.Equal(t, int64(2), pool.Outstanding())

	*a = append(*a, "dirty"...)
	pool.Put(a)
	pool.Put(b)
	assert.Equal(t, int64(0), pool.Outstanding())

	c := pool.Get()
	assert.Equal(t, 0, len(*c), "buffers come back empty")
	pool.Put(c)

	// foreign buffers are counted but not pooled
	foreign := make([]byte, 0, 8)
	pool.Get()
	pool.Put(&foreign)
	pool.Put(nil)

	gets, puts := pool.Stats()
	assert.Equal(t, int64(4), gets)
	assert.Equal(t, int64(4), puts)
}
