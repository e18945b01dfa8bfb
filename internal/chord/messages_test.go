package chord

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageKinds(t *testing.T) {
	tests := []struct {
		msg       Message
		kind      MessageKind
		name      string
		reply     MessageKind
		wantReply bool
	}{
		{FindSuccessor{}, KindFindSuccessor, "find_successor", KindFindSuccessorReply, true},
		{FindSuccessorReply{}, KindFindSuccessorReply, "find_successor_reply", KindUnknown, false},
		{GetPredecessor{}, KindGetPredecessor, "get_predecessor", KindGetPredecessorReply, true},
		{GetPredecessorReply{}, KindGetPredecessorReply, "get_predecessor_reply", KindUnknown, false},
		{Notify{}, KindNotify, "notify", KindUnknown, false},
		{Ping{}, KindPing, "ping", KindPingReply, true},
		{PingReply{}, KindPingReply, "ping_reply", KindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.msg.Kind())
			assert.Equal(t, tt.name, tt.kind.String())
			assert.True(t, tt.kind.Valid())

			reply, ok := ReplyKind(tt.kind)
			assert.Equal(t, tt.wantReply, ok)
			assert.Equal(t, tt.reply, reply)
		})
	}
}

func TestMessageKind_Unknown(t *testing.T) {
	assert.False(t, KindUnknown.Valid())
	assert.False(t, MessageKind(200).Valid())
	assert.Equal(t, "kind(200)", MessageKind(200).String())
}
