package wire

import "encoding/json"

// CallParams are the parameters of a tools/call request. Confirm must be set
// for operations that gate on explicit confirmation.
type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Confirm   bool            `json:"confirm,omitempty"`
}

// ContentBlock is one element of a tool result's content list.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextContent builds a plain text content block.
func TextContent(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// ToolResult is the result payload of a tools/call response.
type ToolResult struct {
	Content           []ContentBlock `json:"content"`
	StructuredContent any            `json:"structuredContent,omitempty"`
	IsError           bool           `json:"isError,omitempty"`
}

// ToolAnnotations carry the safety metadata advertised for a tool.
type ToolAnnotations struct {
	ReadOnlyHint    bool `json:"readOnlyHint"`
	DestructiveHint bool `json:"destructiveHint"`
	IdempotentHint  bool `json:"idempotentHint"`
	RequiresConfirm bool `json:"requiresConfirmation"`
}

// ToolDescriptor describes one registered operation in tools/list.
type ToolDescriptor struct {
	Name         string          `json:"name"`
	Title        string          `json:"title,omitempty"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	Annotations  ToolAnnotations `json:"annotations"`
}

// ListToolsResult is the result payload of tools/list.
type ListToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// CancelledParams are the parameters of a notifications/cancelled
// notification naming the request to stop.
type CancelledParams struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

// ServerInfo identifies the server implementation in the initialize result.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities advertises the optional protocol surfaces this server
// implements.
type Capabilities struct {
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
}

// ToolsCapability is present when the server exposes tools/list and
// tools/call.
type ToolsCapability struct{}

// ResourcesCapability is present when the server exposes resources/list and
// resources/read.
type ResourcesCapability struct{}

// InitializeResult is the result payload of initialize.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
}

// ListResourcesParams are the parameters of resources/list. URI optionally
// restricts the listing to resources whose URI starts with the given prefix.
// Page is 1-based; zero values fall back to the server defaults.
type ListResourcesParams struct {
	URI      string `json:"uri,omitempty"`
	Page     int    `json:"page,omitempty"`
	PageSize int    `json:"pageSize,omitempty"`
}

// ResourceDescriptor describes one listable resource. EntryCount is only
// meaningful for entry-structured resources such as log streams.
type ResourceDescriptor struct {
	URI        string `json:"uri"`
	Name       string `json:"name"`
	MimeType   string `json:"mimeType,omitempty"`
	Size       int64  `json:"size,omitempty"`
	EntryCount int64  `json:"entryCount,omitempty"`
}

// ListResourcesResult is the result payload of resources/list. Total counts
// matching resources across all pages.
type ListResourcesResult struct {
	Items    []ResourceDescriptor `json:"items"`
	Total    int                  `json:"total"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"pageSize"`
}

// ReadResourceParams are the parameters of resources/read. Start and Length
// select a byte range; a zero Length reads from Start to the end.
type ReadResourceParams struct {
	URI    string `json:"uri"`
	Start  int64  `json:"start,omitempty"`
	Length int64  `json:"length,omitempty"`
}

// Resource content encodings.
const (
	EncodingUTF8   = "utf-8"
	EncodingBase64 = "base64"
)

// ReadResourceResult is the result payload of resources/read. Total is the
// full resource size in bytes; Start and Length describe the returned slice
// of it, before encoding.
type ReadResourceResult struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	Total    int64  `json:"total"`
	Start    int64  `json:"start"`
	Length   int64  `json:"length"`
}
