package gateway

import (
	"context"
	"strings"
	"time"
)

// ProviderTag 标识请求路由到哪一路上游。
type ProviderTag string

const (
	ProviderPrimary   ProviderTag = "primary"
	ProviderSecondary ProviderTag = "secondary"
)

// Valid 报告 tag 是否为已知上游。
func (t ProviderTag) Valid() bool {
	return t == ProviderPrimary || t == ProviderSecondary
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 聊天消息。Attachments 保存附件引用（文件 id 等），网关不解析其内容。
type Message struct {
	Role        Role     `json:"role"`
	Content     string   `json:"content"`
	Attachments []string `json:"attachments,omitempty"`
}

// 优先级取值范围：1 最高，5 最低。
const (
	PriorityMin = 1
	PriorityMax = 5
)

// Request 是一次聊天补全请求。由调用方创建，worker 恰好消费一次。
type Request struct {
	ID             string      `json:"id"`
	Provider       ProviderTag `json:"provider"`
	Model          string      `json:"model,omitempty"`
	Messages       []Message   `json:"messages"`
	UserID         int64       `json:"user_id"`
	ConversationID string      `json:"conversation_id,omitempty"`
	CoachingMode   string      `json:"coaching_mode,omitempty"`
	Priority       int         `json:"priority"`
	AutoSelect     bool        `json:"auto_select,omitempty"`
	SubmittedAt    time.Time   `json:"submitted_at"`
	Deadline       time.Time   `json:"deadline,omitempty"`

	// 流式请求时由前端设置；worker 按到达顺序回调，单请求内不交错。
	OnChunk func(StreamChunk) error `json:"-"`

	ctx    context.Context
	result chan Result
}

// Result 是 worker 对单个请求的最终交付。
type Result struct {
	Response *Response
	Err      error
}

// Validate 校验请求的基本不变量。
func (r *Request) Validate() error {
	if len(r.Messages) == 0 {
		return NewError(ClassBadRequest, "request must contain at least one message")
	}
	if r.Messages[len(r.Messages)-1].Role != RoleUser {
		return NewError(ClassBadRequest, "last message must have role=user")
	}
	if !r.Provider.Valid() {
		return NewError(ClassBadRequest, "unknown provider: "+string(r.Provider))
	}
	if r.Priority < PriorityMin || r.Priority > PriorityMax {
		return NewError(ClassBadRequest, "priority must be between 1 and 5")
	}
	return nil
}

// Context 返回请求携带的取消上下文；未设置时返回 Background。
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// WithContext 绑定取消上下文。入队前由前端调用。
func (r *Request) WithContext(ctx context.Context) *Request {
	r.ctx = ctx
	return r
}

// BindResult 绑定结果通道并返回它。worker 对该通道恰好发送一次。
func (r *Request) BindResult() <-chan Result {
	r.result = make(chan Result, 1)
	return r.result
}

// Deliver 向调用方交付结果。缓冲为 1，不会阻塞 worker。
func (r *Request) Deliver(res Result) {
	if r.result != nil {
		r.result <- res
	}
}

// Expired 报告请求的截止时间是否已过。
func (r *Request) Expired(now time.Time) bool {
	return !r.Deadline.IsZero() && now.After(r.Deadline)
}

// LastUserMessage 返回最后一条 user 消息的内容。
func (r *Request) LastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// NormalizedPrompt 返回用于缓存键的规范化提示文本：
// 小写并压缩空白，使仅有空白差异的重复提问命中同一键。
func (r *Request) NormalizedPrompt() string {
	return strings.Join(strings.Fields(strings.ToLower(r.LastUserMessage())), " ")
}

type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

// Usage token 用量三元组。
type Usage struct {
	PromptTokens     int `json:"prompt"`
	CompletionTokens int `json:"completion"`
	TotalTokens      int `json:"total"`
}

// Response 是一次补全的结果，由适配器产出、可能被缓存、对调用方返回一次。
type Response struct {
	ID             string        `json:"id"`
	RequestID      string        `json:"requestId"`
	Provider       ProviderTag   `json:"provider"`
	Model          string        `json:"model"`
	Content        string        `json:"content"`
	FinishReason   FinishReason  `json:"finishReason"`
	Usage          Usage         `json:"usage"`
	ProcessingTime time.Duration `json:"processingTime"`
	CacheHit       bool          `json:"cacheHit"`
	RetryAttempt   int           `json:"retryAttempt"`
	Timestamp      time.Time     `json:"timestamp"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Intent 是用户消息的意图分类，用于检索加权。
type Intent string

const (
	IntentQuestion      Intent = "question"
	IntentGoalSetting   Intent = "goal_setting"
	IntentProgressCheck Intent = "progress_check"
	IntentAdviceSeeking Intent = "advice_seeking"
	IntentGeneral       Intent = "general"
)

// TemporalBucket 会话的时间语境。
type TemporalBucket string

const (
	TemporalImmediate  TemporalBucket = "immediate"
	TemporalRecent     TemporalBucket = "recent"
	TemporalHistorical TemporalBucket = "historical"
)

const maxRecentTopics = 10

// ConversationContext 按请求派生的会话上下文，不做持久化。
type ConversationContext struct {
	UserID         int64          `json:"user_id"`
	ConversationID string         `json:"conversation_id"`
	CoachingMode   string         `json:"coaching_mode"`
	RecentTopics   []string       `json:"recent_topics"`
	Intent         Intent         `json:"intent"`
	Temporal       TemporalBucket `json:"temporal"`
	SessionLength  int            `json:"session_length"`
}

// AddTopic 记录一个近期话题，保持上限为 10。
func (c *ConversationContext) AddTopic(topic string) {
	topic = strings.TrimSpace(strings.ToLower(topic))
	if topic == "" {
		return
	}
	for _, t := range c.RecentTopics {
		if t == topic {
			return
		}
	}
	c.RecentTopics = append(c.RecentTopics, topic)
	if len(c.RecentTopics) > maxRecentTopics {
		c.RecentTopics = c.RecentTopics[len(c.RecentTopics)-maxRecentTopics:]
	}
}

// ClassifyIntent 将用户消息归入封闭的意图集合。
func ClassifyIntent(message string) Intent {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "how do") || strings.Contains(lower, "what is") ||
		strings.Contains(lower, "why") || strings.HasSuffix(strings.TrimSpace(lower), "?"):
		return IntentQuestion
	case strings.Contains(lower, "goal") || strings.Contains(lower, "want to") ||
		strings.Contains(lower, "aim to") || strings.Contains(lower, "target"):
		return IntentGoalSetting
	case strings.Contains(lower, "progress") || strings.Contains(lower, "how am i doing") ||
		strings.Contains(lower, "so far"):
		return IntentProgressCheck
	case strings.Contains(lower, "should i") || strings.Contains(lower, "advice") ||
		strings.Contains(lower, "recommend") || strings.Contains(lower, "suggest"):
		return IntentAdviceSeeking
	default:
		return IntentGeneral
	}
}
