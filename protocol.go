package nsfw

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/vmihailenco/msgpack/v5"
)

// Requests understood by the boundary.
const (
	MsgPing     = "ping"
	MsgClassify = "classify"
	MsgStats    = "stats"
	MsgShutdown = "shutdown"
)

// Responses emitted by the boundary. MsgStats doubles as the response type.
const (
	MsgDownloadInProgress = "downloadInProgress"
	MsgLoadingInProgress  = "loadingInProgress"
	MsgPong               = "pong"
	MsgClassifyResults    = "classifyResults"
	MsgError              = "error"
)

// Error codes carried by MsgError.
const (
	CodeNotReady        = "not_ready"
	CodeBusy            = "busy"
	CodeShapeMismatch   = "shape_mismatch"
	CodeNonFinite       = "non_finite"
	CodeTimeout         = "timeout"
	CodeInferenceFailed = "inference_failed"
	CodeBadRequest      = "bad_request"
	CodeUnknownType     = "unknown_type"
)

const (
	CodecMsgpack = "msgpack"
	CodecJSON    = "json"

	// maxFrameSize caps one length-prefixed frame.
	maxFrameSize = 64 << 20
)

type Pong struct {
	Success bool   `msgpack:"success" json:"success"`
	Device  string `msgpack:"device,omitempty" json:"device,omitempty"`
	Error   string `msgpack:"error,omitempty" json:"error,omitempty"`
}

type ClassifyRequest struct {
	TensorData []float32 `msgpack:"tensorData" json:"tensorData"`
	Shape      []int64   `msgpack:"shape" json:"shape"`
}

type ClassifyResults struct {
	Logits        []float32 `msgpack:"logits" json:"logits"`
	Probabilities []float64 `msgpack:"probabilities" json:"probabilities"`
	DurationMs    float64   `msgpack:"durationMs" json:"durationMs"`
}

type ErrorMessage struct {
	Request string `msgpack:"request" json:"request"`
	Code    string `msgpack:"code" json:"code"`
	Message string `msgpack:"message" json:"message"`
}

func (m ErrorMessage) Err() error {
	return &ProtocolError{Request: m.Request, Code: m.Code, Message: m.Message}
}

// Message is a received envelope whose payload is decoded on demand.
type Message struct {
	Type  string
	data  []byte
	codec Codec
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (m Message) Decode(v interface{}) error {
	if len(m.data) == 0 || m.codec == nil {
		return nil
	}
	return m.codec.decodeData(m.data, v)
}

// Codec serialises {type, data} envelopes.
type Codec interface {
	Name() string
	Marshal(typ string, data interface{}) ([]byte, error)
	Unmarshal(frame []byte) (Message, error)
	decodeData(raw []byte, v interface{}) error
}

// NewCodec returns the codec registered under name; empty means msgpack.
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", CodecMsgpack:
		return msgpackCodec{}, nil
	case CodecJSON:
		return jsonCodec{}, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

type msgpackEnvelope struct {
	Type string             `msgpack:"type"`
	Data msgpack.RawMessage `msgpack:"data,omitempty"`
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return CodecMsgpack }

func (msgpackCodec) Marshal(typ string, data interface{}) ([]byte, error) {
	env := msgpackEnvelope{Type: typ}
	if data != nil {
		raw, err := msgpack.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal msgpack %s payload: %w", typ, err)
		}
		env.Data = raw
	}
	return msgpack.Marshal(&env)
}

func (c msgpackCodec) Unmarshal(frame []byte) (Message, error) {
	var env msgpackEnvelope
	if err := msgpack.Unmarshal(frame, &env); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal msgpack envelope: %w", err)
	}
	return Message{Type: env.Type, data: env.Data, codec: c}, nil
}

func (msgpackCodec) decodeData(raw []byte, v interface{}) error {
	return msgpack.Unmarshal(raw, v)
}

var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary

type jsonEnvelope struct {
	Type string              `json:"type"`
	Data jsoniter.RawMessage `json:"data,omitempty"`
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return CodecJSON }

func (jsonCodec) Marshal(typ string, data interface{}) ([]byte, error) {
	env := jsonEnvelope{Type: typ}
	if data != nil {
		raw, err := wireJSON.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal json %s payload: %w", typ, err)
		}
		env.Data = raw
	}
	return wireJSON.Marshal(&env)
}

func (c jsonCodec) Unmarshal(frame []byte) (Message, error) {
	var env jsonEnvelope
	if err := wireJSON.Unmarshal(frame, &env); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal json envelope: %w", err)
	}
	return Message{Type: env.Type, data: env.Data, codec: c}, nil
}

func (jsonCodec) decodeData(raw []byte, v interface{}) error {
	return wireJSON.Unmarshal(raw, v)
}

// DecodeError reports a complete frame whose envelope could not be decoded.
// The frame has been consumed, so the stream is still usable.
type DecodeError struct {
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed %d byte frame: %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Conn exchanges envelopes over a byte stream using 4-byte big-endian length
// prefixed frames. Send is safe for concurrent use; Receive is not.
type Conn struct {
	rwc   io.ReadWriteCloser
	r     *bufio.Reader
	codec Codec
	wmu   sync.Mutex
}

func NewConn(rwc io.ReadWriteCloser, codec Codec) *Conn {
	if codec == nil {
		codec = msgpackCodec{}
	}
	return &Conn{rwc: rwc, r: bufio.NewReader(rwc), codec: codec}
}

func (c *Conn) Send(typ string, data interface{}) error {
	frame, err := c.codec.Marshal(typ, data)
	if err != nil {
		return err
	}
	if len(frame) > maxFrameSize {
		return fmt.Errorf("%s frame of %d bytes exceeds limit", typ, len(frame))
	}

	buf := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[4:], frame)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.rwc.Write(buf); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", typ, err)
	}
	return nil
}

// Receive blocks for the next envelope. io.EOF means the peer closed.
func (c *Conn) Receive() (Message, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(c.r, lengthBuf[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(lengthBuf[:])
	if n > maxFrameSize {
		return Message{}, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(c.r, frame); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Message{}, err
	}
	m, err := c.codec.Unmarshal(frame)
	if err != nil {
		return Message{}, &DecodeError{Size: int(n), Err: err}
	}
	return m, nil
}

func (c *Conn) Close() error {
	return c.rwc.Close()
}
