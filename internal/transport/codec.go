package transport

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/pkg"
	"golang.org/x/xerrors"
	"google.golang.org/protobuf/encoding/protowire"
)

// MaxBodySize is the largest body the 2-byte length prefix can describe.
const MaxBodySize = 1<<16 - 1

// Payload field numbers.
const (
	fieldKind protowire.Number = 1
	fieldKey  protowire.Number = 2
	fieldPeer protowire.Number = 3

	fieldPeerHost protowire.Number = 1
	fieldPeerPort protowire.Number = 2
)

var flateWriters = sync.Pool{
	New: func() any {
		w, _ := flate.NewWriter(io.Discard, flate.BestSpeed)
		return w
	},
}

// Encode turns msg into a frame body: the protobuf-encoded payload, deflate compressed.
func Encode(msg chord.Message) ([]byte, error) {
	payload, err := MarshalPayload(msg)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := flateWriters.Get().(*flate.Writer)
	defer flateWriters.Put(w)
	w.Reset(&buf)

	if _, err := w.Write(payload); err != nil {
		return nil, xerrors.Errorf("failed to compress %s: %w", msg.Kind(), err)
	}
	if err := w.Close(); err != nil {
		return nil, xerrors.Errorf("failed to compress %s: %w", msg.Kind(), err)
	}

	if buf.Len() > MaxBodySize {
		return nil, xerrors.Errorf("%s body is %d bytes: %w", msg.Kind(), buf.Len(), pkg.ErrMessageTooLarge)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode.
func Decode(body []byte) (chord.Message, error) {
	r := flate.NewReader(bytes.NewReader(body))
	defer r.Close()

	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, xerrors.Errorf("failed to decompress body: %w", err)
	}
	return UnmarshalPayload(payload)
}

// MarshalPayload encodes msg in protobuf wire format:
// field 1 kind (varint), field 2 key (fixed64), field 3 peer (host, port).
func MarshalPayload(msg chord.Message) ([]byte, error) {
	if msg == nil {
		return nil, xerrors.Errorf("cannot encode nil message: %w", pkg.ErrUnknownMessageKind)
	}

	b := protowire.AppendTag(nil, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.Kind()))

	switch m := msg.(type) {
	case chord.FindSuccessor:
		b = appendKey(b, m.Key)
	case chord.FindSuccessorReply:
		b = appendPeer(b, m.Successor)
	case chord.GetPredecessor:
		b = appendKey(b, m.RequesterKey)
	case chord.GetPredecessorReply:
		b = appendPeer(b, m.Predecessor)
	case chord.Notify:
		b = appendPeer(b, m.Peer)
	case chord.Ping, chord.PingReply:
	default:
		return nil, xerrors.Errorf("cannot encode %T: %w", msg, pkg.ErrUnknownMessageKind)
	}
	return b, nil
}

func appendKey(b []byte, key uint64) []byte {
	b = protowire.AppendTag(b, fieldKey, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, key)
}

func appendPeer(b []byte, p chord.PeerAddress) []byte {
	var peer []byte
	peer = protowire.AppendTag(peer, fieldPeerHost, protowire.BytesType)
	peer = protowire.AppendString(peer, p.Host)
	peer = protowire.AppendTag(peer, fieldPeerPort, protowire.VarintType)
	peer = protowire.AppendVarint(peer, uint64(p.Port))

	b = protowire.AppendTag(b, fieldPeer, protowire.BytesType)
	return protowire.AppendBytes(b, peer)
}

// UnmarshalPayload decodes a protobuf payload produced by MarshalPayload.
// Unknown fields are skipped; peer keys are recomputed from host and port.
func UnmarshalPayload(b []byte) (chord.Message, error) {
	var (
		kind    chord.MessageKind
		key     uint64
		peer    chord.PeerAddress
		hasPeer bool
	)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, xerrors.Errorf("malformed tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, xerrors.Errorf("malformed kind: %w", protowire.ParseError(n))
			}
			if v > 0xff {
				return nil, xerrors.Errorf("kind %d: %w", v, pkg.ErrUnknownMessageKind)
			}
			kind = chord.MessageKind(v)
			b = b[n:]
		case num == fieldKey && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, xerrors.Errorf("malformed key: %w", protowire.ParseError(n))
			}
			key = v
			b = b[n:]
		case num == fieldPeer && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, xerrors.Errorf("malformed peer: %w", protowire.ParseError(n))
			}
			p, err := unmarshalPeer(v)
			if err != nil {
				return nil, err
			}
			peer, hasPeer = p, true
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, xerrors.Errorf("malformed field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	needPeer := func() error {
		if !hasPeer {
			return xerrors.Errorf("%s without peer", kind)
		}
		return nil
	}

	switch kind {
	case chord.KindFindSuccessor:
		return chord.FindSuccessor{Key: key}, nil
	case chord.KindFindSuccessorReply:
		if err := needPeer(); err != nil {
			return nil, err
		}
		return chord.FindSuccessorReply{Successor: peer}, nil
	case chord.KindGetPredecessor:
		return chord.GetPredecessor{RequesterKey: key}, nil
	case chord.KindGetPredecessorReply:
		if err := needPeer(); err != nil {
			return nil, err
		}
		return chord.GetPredecessorReply{Predecessor: peer}, nil
	case chord.KindNotify:
		if err := needPeer(); err != nil {
			return nil, err
		}
		return chord.Notify{Peer: peer}, nil
	case chord.KindPing:
		return chord.Ping{}, nil
	case chord.KindPingReply:
		return chord.PingReply{}, nil
	default:
		return nil, xerrors.Errorf("%s: %w", kind, pkg.ErrUnknownMessageKind)
	}
}

func unmarshalPeer(b []byte) (chord.PeerAddress, error) {
	var (
		host string
		port uint64
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return chord.PeerAddress{}, xerrors.Errorf("malformed peer tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldPeerHost && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return chord.PeerAddress{}, xerrors.Errorf("malformed peer host: %w", protowire.ParseError(n))
			}
			host = v
			b = b[n:]
		case num == fieldPeerPort && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return chord.PeerAddress{}, xerrors.Errorf("malformed peer port: %w", protowire.ParseError(n))
			}
			port = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return chord.PeerAddress{}, xerrors.Errorf("malformed peer field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if port == 0 || port > 65535 {
		return chord.PeerAddress{}, xerrors.Errorf("invalid peer port %d", port)
	}
	return chord.NewPeerAddress(host, int(port)), nil
}
