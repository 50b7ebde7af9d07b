// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 提供通用的测试辅助函数和请求夹具
//
// 使用方法:
//
//	ctx := testutil.TestContext(t)
//	req := testutil.ChatRequest(42, "how much protein do I need?")
//	testutil.AssertEventuallyTrue(t, func() bool { return condition }, 2*time.Second)
// =============================================================================
package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BaSui01/wellgate/gateway"
)

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContext 返回带超时的测试上下文
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestContextWithTimeout 返回带自定义超时的测试上下文
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext 返回已取消的上下文
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// =============================================================================
// 🔍 断言辅助
// =============================================================================

// AssertEventuallyTrue 轮询等待条件成立，超时则测试失败
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// MustJSON 序列化为 JSON，失败时 panic（仅测试使用）
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// =============================================================================
// 📦 请求夹具
// =============================================================================

// ChatRequest 构造一个通过校验的聊天请求
func ChatRequest(userID int64, message string) *gateway.Request {
	return &gateway.Request{
		Provider: gateway.ProviderPrimary,
		Messages: []gateway.Message{
			{Role: gateway.RoleUser, Content: message},
		},
		UserID:      userID,
		Priority:    3,
		SubmittedAt: time.Now(),
		Deadline:    time.Now().Add(time.Minute),
	}
}

// ChatRequestWithHistory 构造带会话历史的聊天请求
func ChatRequestWithHistory(userID int64, history []string, message string) *gateway.Request {
	req := ChatRequest(userID, message)
	var msgs []gateway.Message
	for i, h := range history {
		role := gateway.RoleUser
		if i%2 == 1 {
			role = gateway.RoleAssistant
		}
		msgs = append(msgs, gateway.Message{Role: role, Content: h})
	}
	req.Messages = append(msgs, req.Messages...)
	return req
}
