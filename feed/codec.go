package feed

import (
	"encoding/json"

	"github.com/gobwas/ws"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec defines the serialization contract for feed messages.
type Codec interface {
	Encode(m *Message) ([]byte, error)
	Decode(data []byte) (*Message, error)

	// Name returns the codec identifier used in the format query parameter.
	Name() string

	// OpCode is the WebSocket frame type the codec's output is sent in.
	OpCode() ws.OpCode
}

// CodecName constants for format negotiation.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Defaults to JSON.
func GetCodec(name string) Codec {
	switch name {
	case CodecNameMsgpack:
		return MsgpackCodec{}
	default:
		return JSONCodec{}
	}
}

// CodecFor returns the codec that decodes frames of the given type.
func CodecFor(op ws.OpCode) Codec {
	if op == ws.OpBinary {
		return MsgpackCodec{}
	}
	return JSONCodec{}
}

// JSONCodec encodes messages as JSON text frames.
type JSONCodec struct{}

func (JSONCodec) Encode(m *Message) ([]byte, error) { return json.Marshal(m) }

func (JSONCodec) Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (JSONCodec) Name() string      { return CodecNameJSON }
func (JSONCodec) OpCode() ws.OpCode { return ws.OpText }

// MsgpackCodec encodes messages as MessagePack binary frames.
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(m *Message) ([]byte, error) { return msgpack.Marshal(m) }

func (MsgpackCodec) Decode(data []byte) (*Message, error) {
	var m Message
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (MsgpackCodec) Name() string      { return CodecNameMsgpack }
func (MsgpackCodec) OpCode() ws.OpCode { return ws.OpBinary }
