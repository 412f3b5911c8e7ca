package types

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	// Author of the message: system, user or assistant.
	// example: user
	Role string `json:"role" example:"user" vd:"$=='system' || $=='user' || $=='assistant';msg:sprintf('invalid parameter: role %v must be system, user or assistant',$)"`
	// Message text.
	// example: Write a function that reverses a string.
	Content string `json:"content" example:"Write a function that reverses a string."`
}

// ChatCompletionRequest is the body of POST /v1/chat/completions. Omitted
// sampling fields take the server's chat defaults.
type ChatCompletionRequest struct {
	// Catalog model id.
	// example: yi-coder
	Model string `json:"model" example:"yi-coder" vd:"len($)>0;msg:'invalid parameter: model must not be empty'"`
	// Conversation so far; must not be empty.
	Messages []ChatMessage `json:"messages" vd:"len($)>0;msg:'invalid parameter: messages must not be empty'"`
	// Sampling temperature in (0, 2].
	// example: 0.7
	Temperature *float64 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability in (0, 1].
	// example: 0.9
	TopP *float64 `json:"top_p,omitempty" example:"0.9"`
	// Number of independent choices.
	// example: 1
	N *int `json:"n,omitempty" example:"1"`
	// Maximum number of new tokens per choice.
	// example: 100
	MaxTokens *int `json:"max_tokens,omitempty" example:"100"`
	// Stream results as server-sent events.
	// example: false
	Stream *bool `json:"stream,omitempty" example:"false"`
	// Random seed for reproducible sampling.
	// example: 42
	Seed *int64 `json:"seed,omitempty" example:"42"`
}

// ChatCompletionChoice is one finished answer.
type ChatCompletionChoice struct {
	Index        int         `json:"index" example:"0"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason" example:"stop"`
}

// Usage counts prompt and completion tokens.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens" example:"24"`
	CompletionTokens int `json:"completion_tokens" example:"16"`
	TotalTokens      int `json:"total_tokens" example:"40"`
}

// ChatCompletionResponse is returned for non-streaming requests.
type ChatCompletionResponse struct {
	ID      string                 `json:"id" example:"chatcmpl-1-abc"`
	Object  string                 `json:"object" example:"chat.completion"`
	Created int64                  `json:"created" example:"1700000000"`
	Model   string                 `json:"model" example:"yi-coder"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   Usage                  `json:"usage"`
}

// ChatDelta is the incremental message content of a stream chunk.
type ChatDelta struct {
	Role    string `json:"role,omitempty" example:"assistant"`
	Content string `json:"content,omitempty" example:"def"`
}

// ChatCompletionChunkChoice is one choice's slice of a stream chunk.
type ChatCompletionChunkChoice struct {
	Index        int       `json:"index" example:"0"`
	Delta        ChatDelta `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
}

// ChatCompletionChunk is one server-sent event of a streaming response.
type ChatCompletionChunk struct {
	ID      string                      `json:"id" example:"chatcmpl-1-abc"`
	Object  string                      `json:"object" example:"chat.completion.chunk"`
	Created int64                       `json:"created" example:"1700000000"`
	Model   string                      `json:"model" example:"yi-coder"`
	Choices []ChatCompletionChunkChoice `json:"choices"`
}

// ModelObject is one entry of GET /v1/models.
type ModelObject struct {
	Object  string `json:"object" example:"model"`
	OwnedBy string `json:"owned_by" example:"coderd"`
	ModelStatus
}

// ModelsResponse wraps the list of models returned by GET /v1/models.
type ModelsResponse struct {
	Object string        `json:"object" example:"list"`
	Data   []ModelObject `json:"data"`
}

// OperationResponse acknowledges a background operation.
type OperationResponse struct {
	// example: op-3
	OpID string `json:"op_id" example:"op-3"`
}

// ErrorBody carries the error details of an ErrorResponse.
type ErrorBody struct {
	// Error message.
	// example: temperature must be in (0, 2], got 0
	Message string `json:"message" example:"temperature must be in (0, 2], got 0"`
	// Error class.
	// example: validation
	Type string `json:"type" example:"validation"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}
