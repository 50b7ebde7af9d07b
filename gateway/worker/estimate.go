package worker

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/BaSui01/wellgate/gateway"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateUsage 在上游未返回用量时本地估算 token 数。
// 优先使用 cl100k_base 编码；编码表不可用时退化为字符数/4 的粗估。
func EstimateUsage(messages []gateway.Message, completion string) gateway.Usage {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})

	var prompt int
	for _, m := range messages {
		prompt += countTokens(m.Content)
		prompt += 4 // 每条消息的角色与分隔开销
	}
	comp := countTokens(completion)

	return gateway.Usage{
		PromptTokens:     prompt,
		CompletionTokens: comp,
		TotalTokens:      prompt + comp,
	}
}

func countTokens(text string) int {
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	// 粗估：平均每 4 个字符一个 token
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}
