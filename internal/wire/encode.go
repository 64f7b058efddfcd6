package wire

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// NewRequest partitions messages into the instruction and the conversation
// and fills in fresh ids and the client metadata block.
func NewRequest(messages []Message, model string, now time.Time) Request {
	var instructions []string
	req := Request{
		Model:          model,
		ConversationID: uuid.NewString(),
		Metadata:       defaultMetadata,
		ChatMode:       defaultChatMode,
	}
	req.Metadata.Timestamp = now.UTC().Format(timestampLayout)

	for _, m := range messages {
		if m.Role == "system" {
			instructions = append(instructions, m.Content)
			continue
		}
		cm := ChatMessage{
			Content:   m.Content,
			Role:      RoleAssistant,
			MessageID: uuid.NewString(),
		}
		if m.Role == "user" {
			cm.Role = RoleUser
			cm.ChatModeEnum = chatModeUser
		}
		req.Messages = append(req.Messages, cm)
		req.MessageRefs = append(req.MessageRefs, MessageRef{MessageID: cm.MessageID, Role: cm.Role})
	}
	req.Instruction = strings.Join(instructions, "\n")
	return req
}

// Encode builds the single request frame for messages and model.
func Encode(messages []Message, model string) ([]byte, error) {
	return EncodeRequest(NewRequest(messages, model, time.Now()))
}

// EncodeRequest serializes req and wraps it in a frame, gzipping the payload
// once the conversation reaches three messages.
func EncodeRequest(req Request) ([]byte, error) {
	payload := req.marshal()
	magic := MagicProto
	if len(req.Messages) >= gzipThreshold {
		var err error
		if payload, err = gzipBytes(payload); err != nil {
			return nil, fmt.Errorf("compressing request: %w", err)
		}
		magic = MagicProtoGzip
	}
	return AppendFrame(nil, magic, payload), nil
}

// AppendFrame appends a frame header and payload to dst.
func AppendFrame(dst []byte, magic byte, payload []byte) []byte {
	var hdr [frameHeaderLen]byte
	hdr[0] = magic
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

func (r *Request) marshal() []byte {
	var b []byte
	for _, m := range r.Messages {
		b = appendMessage(b, fieldMessages, m.marshal())
	}
	b = appendVarint(b, fieldUnknown2, 1)
	b = appendMessage(b, fieldInstruction, appendString(nil, 1, r.Instruction))
	b = appendVarint(b, fieldUnknown4, 1)

	var model []byte
	model = appendString(model, 1, r.Model)
	model = appendString(model, 4, "")
	b = appendMessage(b, fieldModel, model)

	b = appendString(b, fieldWebTool, "")
	b = appendVarint(b, fieldUnknown13, 1)

	var setting []byte
	setting = appendString(setting, 1, cursorSettingName)
	setting = appendString(setting, 3, "")
	setting = appendMessage(setting, 6, appendString(nil, 2, ""))
	setting = appendVarint(setting, 8, 1)
	setting = appendVarint(setting, 9, 1)
	b = appendMessage(b, fieldCursorSetting, setting)

	b = appendVarint(b, fieldUnknown19, 1)
	b = appendString(b, fieldConversationID, r.ConversationID)
	b = appendMessage(b, fieldMetadata, r.Metadata.marshal())
	b = appendVarint(b, fieldUnknown27, 0)
	for _, ref := range r.MessageRefs {
		b = appendMessage(b, fieldMessageRefs, ref.marshal())
	}
	b = appendVarint(b, fieldLargeContext, 0)
	b = appendVarint(b, fieldUnknown38, 0)
	b = appendVarint(b, fieldChatModeEnum, 1)
	b = appendString(b, fieldUnknown47, "")
	b = appendVarint(b, fieldUnknown48, 0)
	b = appendVarint(b, fieldUnknown49, 0)
	b = appendVarint(b, fieldUnknown51, 0)
	b = appendVarint(b, fieldUnknown53, 1)
	b = appendString(b, fieldChatMode, r.ChatMode)

	return appendMessage(nil, fieldOuterRequest, b)
}

func (m ChatMessage) marshal() []byte {
	var b []byte
	b = appendString(b, fieldMsgContent, m.Content)
	b = appendVarint(b, fieldMsgRole, uint64(m.Role))
	b = appendString(b, fieldMsgID, m.MessageID)
	if m.ChatModeEnum != 0 {
		b = appendVarint(b, fieldMsgChatModeEnum, uint64(m.ChatModeEnum))
	}
	return b
}

func (r MessageRef) marshal() []byte {
	var b []byte
	b = appendString(b, fieldRefMessageID, r.MessageID)
	if r.SummaryID != "" {
		b = appendString(b, fieldRefSummaryID, r.SummaryID)
	}
	return appendVarint(b, fieldRefRole, uint64(r.Role))
}

func (m Metadata) marshal() []byte {
	var b []byte
	b = appendString(b, fieldMetaOS, m.OS)
	b = appendString(b, fieldMetaArch, m.Arch)
	b = appendString(b, fieldMetaVersion, m.Version)
	b = appendString(b, fieldMetaPath, m.Path)
	return appendString(b, fieldMetaTimestamp, m.Timestamp)
}

// Explicitly set fields are always written, including zero values.

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
