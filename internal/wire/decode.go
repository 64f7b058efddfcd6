package wire

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"
)

// Segment is the text extracted from one or more response frames.
type Segment struct {
	Thinking string
	Text     string
}

// Empty reports whether the segment carries no text at all.
func (s Segment) Empty() bool { return s.Thinking == "" && s.Text == "" }

// Decode extracts thinking and answer text from every complete frame in
// chunk, in arrival order. A malformed frame stops decoding of the rest of
// the chunk; whatever was decoded before it is returned.
//
// Decode works on a chunk already in memory. Reader is the streaming form
// used for live replies, where frames may straddle network reads.
func Decode(chunk []byte, logger *zap.Logger) Segment {
	if logger == nil {
		logger = zap.NewNop()
	}

	var thinking, text bytes.Buffer
	for i := 0; i < len(chunk); {
		if len(chunk)-i < frameHeaderLen {
			logger.Warn("dropping partial frame header", zap.Int("bytes", len(chunk)-i))
			break
		}
		magic := chunk[i]
		n := int(binary.BigEndian.Uint32(chunk[i+1 : i+frameHeaderLen]))
		start := i + frameHeaderLen
		if n > len(chunk)-start {
			logger.Warn("dropping truncated frame", zap.Int("declared", n), zap.Int("available", len(chunk)-start))
			break
		}
		i = start + n

		seg, err := decodeFrame(magic, chunk[start:i], logger)
		if err != nil {
			logger.Warn("aborting chunk on malformed frame", zap.Uint8("magic", magic), zap.Error(err))
			break
		}
		thinking.WriteString(seg.Thinking)
		text.WriteString(seg.Text)
	}
	return Segment{Thinking: thinking.String(), Text: text.String()}
}

// Reader decodes frames from a response stream whose frames may be split
// across network reads.
type Reader struct {
	r      *bufio.Reader
	logger *zap.Logger
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{r: bufio.NewReader(r), logger: logger}
}

// ErrFrameTooLarge is returned when a frame header declares a payload larger
// than the reader accepts.
var ErrFrameTooLarge = errors.New("wire: frame too large")

// Next reads and decodes the next frame. It returns io.EOF when the stream
// ends. A frame whose payload cannot be decoded is logged and yields an
// empty segment. A frame cut off by the end of the stream is logged and
// treated as the end, so the segments already returned stand.
func (r *Reader) Next() (Segment, error) {
	var hdr [frameHeaderLen]byte
	if n, err := io.ReadFull(r.r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			r.logger.Warn("dropping partial frame header", zap.Int("bytes", n))
			return Segment{}, io.EOF
		}
		return Segment{}, err
	}

	n := binary.BigEndian.Uint32(hdr[1:])
	if n > maxFrameSize {
		return Segment{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	payload := make([]byte, n)
	if got, err := io.ReadFull(r.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			r.logger.Warn("dropping truncated frame", zap.Uint32("declared", n), zap.Int("available", got))
			return Segment{}, io.EOF
		}
		return Segment{}, fmt.Errorf("reading frame payload: %w", err)
	}

	seg, err := decodeFrame(hdr[0], payload, r.logger)
	if err != nil {
		r.logger.Warn("dropping malformed frame", zap.Uint8("magic", hdr[0]), zap.Error(err))
		return Segment{}, nil
	}
	return seg, nil
}

func decodeFrame(magic byte, payload []byte, logger *zap.Logger) (Segment, error) {
	switch magic {
	case MagicProto, MagicProtoGzip:
		if magic == MagicProtoGzip {
			var err error
			if payload, err = gunzip(payload); err != nil {
				return Segment{}, err
			}
		}
		return parseResponse(payload)

	case MagicJSON, MagicJSONGzip:
		if magic == MagicJSONGzip {
			var err error
			if payload, err = gunzip(payload); err != nil {
				return Segment{}, err
			}
		}
		var v any
		if err := json.Unmarshal(payload, &v); err != nil {
			return Segment{}, fmt.Errorf("parsing json frame: %w", err)
		}
		if !emptyJSON(v) {
			logger.Warn("upstream diagnostic frame", zap.ByteString("payload", payload))
		}
		return Segment{}, nil
	}
	return Segment{}, nil
}

func emptyJSON(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	return false
}

func parseResponse(b []byte) (Segment, error) {
	var seg Segment
	err := walk(b, func(f field) error {
		if f.num != fieldRespMessage || f.typ != protowire.BytesType {
			return nil
		}
		return walk(f.bytes, func(mf field) error {
			if mf.typ != protowire.BytesType {
				return nil
			}
			switch mf.num {
			case fieldRespContent:
				seg.Text = string(mf.bytes)
			case fieldRespThinking:
				return walk(mf.bytes, func(tf field) error {
					if tf.num == fieldThinkingContent && tf.typ == protowire.BytesType {
						seg.Thinking = string(tf.bytes)
					}
					return nil
				})
			}
			return nil
		})
	})
	return seg, err
}

// DecodeRequest parses a request frame produced by EncodeRequest.
func DecodeRequest(frame []byte) (Request, error) {
	if len(frame) < frameHeaderLen {
		return Request{}, errors.New("wire: short frame")
	}
	n := int(binary.BigEndian.Uint32(frame[1:frameHeaderLen]))
	if n != len(frame)-frameHeaderLen {
		return Request{}, fmt.Errorf("wire: frame declares %d bytes, has %d", n, len(frame)-frameHeaderLen)
	}
	payload := frame[frameHeaderLen:]
	switch frame[0] {
	case MagicProto:
	case MagicProtoGzip:
		var err error
		if payload, err = gunzip(payload); err != nil {
			return Request{}, err
		}
	default:
		return Request{}, fmt.Errorf("wire: unexpected request magic %d", frame[0])
	}

	var req Request
	err := walk(payload, func(f field) error {
		if f.num != fieldOuterRequest || f.typ != protowire.BytesType {
			return nil
		}
		return walk(f.bytes, req.unmarshalField)
	})
	return req, err
}

func (r *Request) unmarshalField(f field) error {
	switch f.num {
	case fieldMessages:
		var m ChatMessage
		err := walk(f.bytes, func(mf field) error {
			switch mf.num {
			case fieldMsgContent:
				m.Content = string(mf.bytes)
			case fieldMsgRole:
				m.Role = Role(mf.varint)
			case fieldMsgID:
				m.MessageID = string(mf.bytes)
			case fieldMsgChatModeEnum:
				m.ChatModeEnum = int32(mf.varint)
			}
			return nil
		})
		r.Messages = append(r.Messages, m)
		return err
	case fieldInstruction:
		return walk(f.bytes, func(inf field) error {
			if inf.num == 1 {
				r.Instruction = string(inf.bytes)
			}
			return nil
		})
	case fieldModel:
		return walk(f.bytes, func(mf field) error {
			if mf.num == 1 {
				r.Model = string(mf.bytes)
			}
			return nil
		})
	case fieldConversationID:
		r.ConversationID = string(f.bytes)
	case fieldMetadata:
		return walk(f.bytes, func(mf field) error {
			switch mf.num {
			case fieldMetaOS:
				r.Metadata.OS = string(mf.bytes)
			case fieldMetaArch:
				r.Metadata.Arch = string(mf.bytes)
			case fieldMetaVersion:
				r.Metadata.Version = string(mf.bytes)
			case fieldMetaPath:
				r.Metadata.Path = string(mf.bytes)
			case fieldMetaTimestamp:
				r.Metadata.Timestamp = string(mf.bytes)
			}
			return nil
		})
	case fieldMessageRefs:
		var ref MessageRef
		err := walk(f.bytes, func(rf field) error {
			switch rf.num {
			case fieldRefMessageID:
				ref.MessageID = string(rf.bytes)
			case fieldRefSummaryID:
				ref.SummaryID = string(rf.bytes)
			case fieldRefRole:
				ref.Role = Role(rf.varint)
			}
			return nil
		})
		r.MessageRefs = append(r.MessageRefs, ref)
		return err
	case fieldChatMode:
		r.ChatMode = string(f.bytes)
	}
	return nil
}

type field struct {
	num    protowire.Number
	typ    protowire.Type
	bytes  []byte
	varint uint64
}

// walk calls fn for every length-delimited and varint field in b and skips
// fields of other wire types.
func walk(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			f.bytes = v
			b = b[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			f.varint = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func gunzip(b []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("opening gzip payload: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxFrameSize+1))
	if err != nil {
		return nil, fmt.Errorf("inflating payload: %w", err)
	}
	if len(out) > maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return out, nil
}
