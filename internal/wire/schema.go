// Package wire implements the upstream chat protocol: length-prefixed,
// optionally gzipped frames carrying hand-encoded protobuf messages.
//
// Frame layout:
//
//	+-------+----------------+-----------------+
//	| magic | length (BE u32)| payload         |
//	+-------+----------------+-----------------+
//
// Magic 0 and 1 carry protobuf (1 = gzipped), 2 and 3 carry JSON
// diagnostics (3 = gzipped). Other magic values are skipped.
package wire

import "google.golang.org/protobuf/encoding/protowire"

// Frame magic bytes.
const (
	MagicProto     byte = 0
	MagicProtoGzip byte = 1
	MagicJSON      byte = 2
	MagicJSONGzip  byte = 3
)

const (
	frameHeaderLen = 5
	maxFrameSize   = 16 << 20

	// gzipThreshold is the number of non-system messages at which the
	// request payload is compressed.
	gzipThreshold = 3
)

// Role is the upstream message role enum.
type Role int32

const (
	RoleUser      Role = 1
	RoleAssistant Role = 2
)

// chatModeUser is the mode flag attached to every user message.
const chatModeUser = 1

// Message is one chat message as received from the caller.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatMessage is a conversation entry in the upstream request.
type ChatMessage struct {
	Content      string
	Role         Role
	MessageID    string
	ChatModeEnum int32 // zero means the field is omitted
}

// MessageRef pairs a message id with its role in the request's id index.
type MessageRef struct {
	MessageID string
	SummaryID string
	Role      Role
}

// Metadata is the fixed client description block.
type Metadata struct {
	OS        string
	Arch      string
	Version   string
	Path      string
	Timestamp string
}

// Request is the inner StreamUnifiedChatWithTools request. Only the fields
// the gateway varies are modeled; the remaining fields are written as a
// fixed template by marshal.
type Request struct {
	Messages       []ChatMessage
	Instruction    string
	Model          string
	ConversationID string
	Metadata       Metadata
	MessageRefs    []MessageRef
	ChatMode       string
}

// Outer request envelope.
const fieldOuterRequest protowire.Number = 1

// Inner request fields.
const (
	fieldMessages       protowire.Number = 1
	fieldUnknown2       protowire.Number = 2
	fieldInstruction    protowire.Number = 3
	fieldUnknown4       protowire.Number = 4
	fieldModel          protowire.Number = 5
	fieldWebTool        protowire.Number = 8
	fieldUnknown13      protowire.Number = 13
	fieldCursorSetting  protowire.Number = 15
	fieldUnknown19      protowire.Number = 19
	fieldConversationID protowire.Number = 23
	fieldMetadata       protowire.Number = 26
	fieldUnknown27      protowire.Number = 27
	fieldMessageRefs    protowire.Number = 30
	fieldLargeContext   protowire.Number = 35
	fieldUnknown38      protowire.Number = 38
	fieldChatModeEnum   protowire.Number = 46
	fieldUnknown47      protowire.Number = 47
	fieldUnknown48      protowire.Number = 48
	fieldUnknown49      protowire.Number = 49
	fieldUnknown51      protowire.Number = 51
	fieldUnknown53      protowire.Number = 53
	fieldChatMode       protowire.Number = 54
)

// ChatMessage fields.
const (
	fieldMsgContent      protowire.Number = 1
	fieldMsgRole         protowire.Number = 2
	fieldMsgID           protowire.Number = 13
	fieldMsgChatModeEnum protowire.Number = 47
)

// MessageRef fields.
const (
	fieldRefMessageID protowire.Number = 1
	fieldRefSummaryID protowire.Number = 2
	fieldRefRole      protowire.Number = 3
)

// Metadata fields.
const (
	fieldMetaOS        protowire.Number = 1
	fieldMetaArch      protowire.Number = 2
	fieldMetaVersion   protowire.Number = 3
	fieldMetaPath      protowire.Number = 4
	fieldMetaTimestamp protowire.Number = 5
)

// Response fields.
const (
	fieldRespMessage     protowire.Number = 2
	fieldRespContent     protowire.Number = 1
	fieldRespThinking    protowire.Number = 25
	fieldThinkingContent protowire.Number = 1
)

// AvailableModelsResponse fields.
const (
	fieldModelsList protowire.Number = 2
	fieldModelName  protowire.Number = 1
)

var defaultMetadata = Metadata{
	OS:      "win32",
	Arch:    "x64",
	Version: "10.0.22631",
	Path:    `C:\Program Files\PowerShell\7\pwsh.exe`,
}

const (
	cursorSettingName = `cursor\aisettings`
	defaultChatMode   = "Ask"
	timestampLayout   = "2006-01-02T15:04:05.000Z"
)
