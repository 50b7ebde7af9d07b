// 版权所有 2026 WellGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package testutil 提供 wellgate 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 异步断言: AssertEventuallyTrue，支持超时轮询等待条件满足
  - 请求构造: ChatRequest 生成合法的聊天请求夹具
  - Mock 实现: mocks 子包提供 gateway.Provider 与 embedding.Embedder
    的可编程模拟
*/
package testutil
