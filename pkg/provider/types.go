package provider

// Message roles used on the wire.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// BlockType identifies the kind of a content block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one element of a message's ordered content sequence.
// Exactly one of the three shapes is populated, selected by Type.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text block
	Text string `json:"text,omitempty"`

	// Tool use block
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// Tool result block
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock creates a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock creates a tool use content block.
func ToolUseBlock(id, name string, input map[string]interface{}) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock creates a tool result content block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Message is a single conversation turn.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// UserText creates a user message containing a single text block.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock(text)}}
}

// ToolUses returns the tool use blocks of the message, in order.
func (m Message) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, block := range m.Content {
		if block.Type == BlockToolUse {
			uses = append(uses, block)
		}
	}
	return uses
}

// StopReason explains why the model stopped generating.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// Usage tracks token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolDefinition describes a tool for prompt assembly.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Request contains the parameters for one model call.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Tools       []ToolDefinition
}

// Response is the model's reply to a chat request.
type Response struct {
	Content    []ContentBlock `json:"content"`
	StopReason StopReason     `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
	Model      string         `json:"model"`
}

// HasToolUse reports whether the response requests any tool invocation.
func (r *Response) HasToolUse() bool {
	for _, block := range r.Content {
		if block.Type == BlockToolUse {
			return true
		}
	}
	return false
}

// TextContent concatenates the text blocks of the response.
func (r *Response) TextContent() string {
	text := ""
	for _, block := range r.Content {
		if block.Type == BlockText {
			text += block.Text
		}
	}
	return text
}

// AssistantMessage converts the response into a verbatim assistant message,
// preserving tool use blocks so tool results can be paired against them.
func (r *Response) AssistantMessage() Message {
	return Message{Role: RoleAssistant, Content: r.Content}
}

// Chunk is one element of a streaming response. Delta carries incremental
// text; Final is set on the last chunk of a clean stream; Err is set on a
// terminal stream failure. The channel closes after Final or Err.
type Chunk struct {
	Delta string
	Final *Response
	Err   error
}
