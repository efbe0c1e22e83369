package api

import (
	"time"

	"github.com/BaSui01/biem/knowledge"
	"github.com/BaSui01/biem/memory"
)

// =============================================================================
// 记忆写入类型
// =============================================================================

// IngestRequest 表示记忆写入请求。
// @Description 记忆写入请求结构
type IngestRequest struct {
	// 要写入记忆的内容
	Content string `json:"content" example:"User prefers dark roast coffee" binding:"required"`
	// 内容来源（user、assistant、tool、system）
	Source string `json:"source,omitempty" example:"user"`
}

// EventRequest 表示情节事件写入请求。
// @Description 情节事件写入请求结构
type EventRequest struct {
	// 事件类型（tool_call、conversation、observation）
	EventType string `json:"event_type" example:"tool_call" binding:"required"`
	// 事件内容
	Content string `json:"content" example:"search(weather in Tokyo) -> sunny, 24C" binding:"required"`
	// 即时反馈（-1 到 1，影响初始能量）
	Feedback float64 `json:"feedback,omitempty" example:"0.5"`
	// 因果相关的既有节点 ID
	RelatedIDs []string `json:"related_ids,omitempty"`
}

// =============================================================================
// 记忆检索类型
// =============================================================================

// RecallRequest 表示记忆检索请求。
// @Description 记忆检索请求结构
type RecallRequest struct {
	// 检索查询文本
	Query string `json:"query" example:"coffee preferences" binding:"required"`
	// 返回条数上限（缺省使用服务端默认值）
	TopK int `json:"top_k,omitempty" example:"5"`
}

// RecallResponse 表示记忆检索响应。
// @Description 记忆检索响应结构
type RecallResponse struct {
	// 按融合得分降序排列的命中节点
	Results []memory.ScoredNode `json:"results"`
}

// ContextRequest 表示提示词上下文构建请求。
// @Description 上下文构建请求结构
type ContextRequest struct {
	// 查询文本
	Query string `json:"query" example:"what does the user drink" binding:"required"`
	// 候选条数上限（缺省使用服务端默认值）
	TopK int `json:"top_k,omitempty" example:"5"`
}

// ContextResponse 表示渲染好的提示词上下文块。
// @Description 上下文构建响应结构
type ContextResponse struct {
	// Markdown 格式的上下文块，空字符串表示无相关记忆
	Context string `json:"context"`
}

// =============================================================================
// 反馈与链路类型
// =============================================================================

// FeedbackRequest 表示节点能量反馈请求。
// @Description 能量反馈请求结构
type FeedbackRequest struct {
	// 目标节点 ID
	NodeID string `json:"node_id" example:"9f2c4e1a8b7d3f60" binding:"required"`
	// 能量增量（正为强化，负为削弱）
	Delta float64 `json:"delta" example:"0.5"`
}

// CausalLinkRequest 表示因果链路记录请求。
// @Description 因果链路请求结构
type CausalLinkRequest struct {
	// 原因节点 ID
	SourceID string `json:"source_id" example:"9f2c4e1a8b7d3f60" binding:"required"`
	// 结果节点 ID
	TargetID string `json:"target_id" example:"0a1b2c3d4e5f6789" binding:"required"`
}

// FactListResponse 表示结晶事实列表。
// @Description 结晶事实列表响应
type FactListResponse struct {
	// 按更新时间倒序的事实列表
	Facts []*memory.CrystalFact `json:"facts"`
}

// =============================================================================
// 知识库类型
// =============================================================================

// ProcessMessageRequest 表示知识抽取请求。
// @Description 知识抽取请求结构
type ProcessMessageRequest struct {
	// 要抽取三元组的消息文本
	Message string `json:"message" example:"Redis listens on port 6379 by default" binding:"required"`
	// 消息角色（user、assistant），缺省为 user
	Role string `json:"role,omitempty" example:"user"`
}

// ConfirmRequest 表示待确认更新的裁决请求。
// @Description 待确认更新裁决请求结构
type ConfirmRequest struct {
	// 待确认条目 ID
	PendingID string `json:"pending_id" example:"c3d4e5f6a7b80912" binding:"required"`
	// true 接受新值，false 拒绝并保留旧值
	Accept bool `json:"accept" example:"true"`
}

// ConfirmResponse 表示裁决结果。
// @Description 待确认更新裁决响应结构
type ConfirmResponse struct {
	// 本次裁决是否接受了更新
	Accepted bool `json:"accepted"`
	// 接受后生效的三元组新版本（拒绝时为空）
	Applied *knowledge.Triple `json:"applied,omitempty"`
}

// KnowledgeQueryRequest 表示知识查询请求。
// @Description 知识查询请求结构
type KnowledgeQueryRequest struct {
	// 查询文本
	Query string `json:"query" example:"redis port" binding:"required"`
}

// KnowledgeQueryResponse 表示知识查询响应。
// @Description 知识查询响应结构
type KnowledgeQueryResponse struct {
	// 按相关度降序的三元组，图扩展命中会标记 expanded
	Results []knowledge.ScoredTriple `json:"results"`
}

// PendingListResponse 表示待确认更新列表。
// @Description 待确认更新列表响应
type PendingListResponse struct {
	// 尚未裁决且未过期的条目
	Pending []*knowledge.PendingUpdate `json:"pending"`
}

// TripleListResponse 表示三元组列表。
// @Description 三元组列表响应
type TripleListResponse struct {
	// 三元组列表
	Triples []*knowledge.Triple `json:"triples"`
}

// HistoryListResponse 表示三元组版本历史。
// @Description 版本历史响应
type HistoryListResponse struct {
	// 按时间倒序的历史行，每次版本跃迁恰好一行
	History []*knowledge.History `json:"history"`
}

// =============================================================================
// 统计类型
// =============================================================================

// StatsResponse 聚合记忆层与知识层的统计。
// @Description 引擎统计响应结构
type StatsResponse struct {
	// 分层记忆统计（按作用域分组）
	Memory *memory.Stats `json:"memory"`
	// 知识库统计
	Knowledge knowledge.Stats `json:"knowledge"`
}

// =============================================================================
// 事件推送类型
// =============================================================================

// 事件帧类型。
const (
	// EventFrameDissonance 认知失调信号帧
	EventFrameDissonance = "dissonance"
	// EventFrameKnowledge 知识待确认生命周期帧
	EventFrameKnowledge = "knowledge"
)

// EventFrame 表示 WebSocket 推送的单个事件帧。
// @Description 事件推送帧结构
type EventFrame struct {
	// 帧类型（dissonance、knowledge）
	Type string `json:"type" example:"dissonance"`
	// 认知失调信号（Type 为 dissonance 时）
	Dissonance *memory.DissonanceSignal `json:"dissonance,omitempty"`
	// 知识待确认生命周期事件（Type 为 knowledge 时）
	Knowledge *knowledge.Event `json:"knowledge,omitempty"`
	// 事件发生时间
	At time.Time `json:"at"`
}

// =============================================================================
// 错误类型
// =============================================================================

// ErrorResponse 表示错误响应。
// @Description 错误响应结构
type ErrorResponse struct {
	// 错误详情
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 表示错误详细信息。
// @Description 错误详细结构
type ErrorDetail struct {
	// 错误代码
	Code string `json:"code" example:"INVALID_REQUEST"`
	// 人类可读的错误消息
	Message string `json:"message" example:"Invalid request parameters"`
	// HTTP 状态码
	HTTPStatus int `json:"http_status,omitempty" example:"400"`
	// 请求是否可以重试
	Retryable bool `json:"retryable,omitempty" example:"false"`
	// 返回错误的组件或提供者
	Provider string `json:"provider,omitempty" example:"openai"`
}
