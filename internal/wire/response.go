package wire

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// EncodeResponse serializes a response message carrying thinking and answer
// text. Empty values are omitted.
func EncodeResponse(seg Segment) []byte {
	var msg []byte
	if seg.Text != "" {
		msg = appendString(msg, fieldRespContent, seg.Text)
	}
	if seg.Thinking != "" {
		msg = appendMessage(msg, fieldRespThinking, appendString(nil, fieldThinkingContent, seg.Thinking))
	}
	return appendMessage(nil, fieldRespMessage, msg)
}

// ResponseFrame returns seg as a protobuf frame, gzipped when compress is set.
func ResponseFrame(seg Segment, compress bool) ([]byte, error) {
	return frame(EncodeResponse(seg), compress, MagicProto, MagicProtoGzip)
}

// JSONFrame returns v as a JSON diagnostic frame.
func JSONFrame(v any, compress bool) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling json frame: %w", err)
	}
	return frame(payload, compress, MagicJSON, MagicJSONGzip)
}

func frame(payload []byte, compress bool, plain, gzipped byte) ([]byte, error) {
	if !compress {
		return AppendFrame(nil, plain, payload), nil
	}
	z, err := gzipBytes(payload)
	if err != nil {
		return nil, err
	}
	return AppendFrame(nil, gzipped, z), nil
}

// DecodeModels parses an AvailableModels response body into model names.
func DecodeModels(body []byte) ([]string, error) {
	var names []string
	err := walk(body, func(f field) error {
		if f.num != fieldModelsList || f.typ != protowire.BytesType {
			return nil
		}
		return walk(f.bytes, func(mf field) error {
			if mf.num == fieldModelName && mf.typ == protowire.BytesType {
				names = append(names, string(mf.bytes))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// EncodeModels serializes an AvailableModels response body.
func EncodeModels(names []string) []byte {
	var b []byte
	for _, name := range names {
		b = appendMessage(b, fieldModelsList, appendString(nil, fieldModelName, name))
	}
	return b
}
