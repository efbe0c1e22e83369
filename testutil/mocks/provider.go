// ChatProvider 的 LLM 测试模拟实现。
//
// 支持脚本化响应队列、按请求内容路由与错误注入场景。
package mocks

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/biem/llm"
)

// ChatProvider 是 llm.Provider 的模拟实现。
//
// 响应解析顺序：脚本队列（Enqueue）优先，其次内容路由（RespondWhen），
// 最后是固定响应（SetResponse）。
type ChatProvider struct {
	mu sync.Mutex

	queue    []string
	routes   []route
	fallback string
	err      error
	failErr  error
	failures int

	calls []*llm.ChatRequest
}

type route struct {
	substr  string
	content string
}

// NewChatProvider 创建模拟聊天提供商。
func NewChatProvider() *ChatProvider {
	return &ChatProvider{fallback: "{}"}
}

// Enqueue 追加一条一次性脚本响应。
func (p *ChatProvider) Enqueue(contents ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, contents...)
}

// RespondWhen 注册内容路由：请求任一消息包含 substr 时返回 content。
func (p *ChatProvider) RespondWhen(substr, content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes = append(p.routes, route{substr: substr, content: content})
}

// SetResponse 设置兜底响应。
func (p *ChatProvider) SetResponse(content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallback = content
}

// SetError 设置持续返回的错误。
func (p *ChatProvider) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// FailNext 注入 n 次一次性失败，之后恢复正常响应。
func (p *ChatProvider) FailNext(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = n
	p.failErr = err
}

// Calls 返回接收到的全部请求。
func (p *ChatProvider) Calls() []*llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*llm.ChatRequest, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount 返回请求次数。
func (p *ChatProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// Completion 实现 llm.Provider。
func (p *ChatProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)

	if p.failures > 0 {
		p.failures--
		return nil, p.failErr
	}
	if p.err != nil {
		return nil, p.err
	}

	content := p.fallback
	if len(p.queue) > 0 {
		content = p.queue[0]
		p.queue = p.queue[1:]
	} else {
		for _, r := range p.routes {
			if requestContains(req, r.substr) {
				content = r.content
				break
			}
		}
	}

	return &llm.ChatResponse{
		ID:       "mock-response",
		Provider: "mock",
		Model:    req.Model,
		Choices: []llm.ChatChoice{
			{
				Index:        0,
				FinishReason: "stop",
				Message:      llm.Message{Role: llm.RoleAssistant, Content: content},
			},
		},
		CreatedAt: time.Now(),
	}, nil
}

// HealthCheck 实现 llm.Provider。
func (p *ChatProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

// Name 实现 llm.Provider。
func (p *ChatProvider) Name() string { return "mock" }

func requestContains(req *llm.ChatRequest, substr string) bool {
	for _, msg := range req.Messages {
		if strings.Contains(msg.Content, substr) {
			return true
		}
	}
	return false
}
