package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/BaSui01/biem/api"
	"github.com/BaSui01/biem/memory"
	"github.com/BaSui01/biem/types"
	"go.uber.org/zap"
)

// =============================================================================
// 🧠 记忆接口 Handler
// =============================================================================

// MemoryHandler 分层记忆接口处理器
type MemoryHandler struct {
	manager *memory.Manager
	logger  *zap.Logger
}

// NewMemoryHandler 创建记忆处理器
func NewMemoryHandler(manager *memory.Manager, logger *zap.Logger) *MemoryHandler {
	return &MemoryHandler{
		manager: manager,
		logger:  logger,
	}
}

// HandleIngest 处理记忆写入请求
// @Summary 写入记忆
// @Description 将一条内容写入分层记忆，返回节点能量、准入结果与联想链路
// @Tags 记忆
// @Accept json
// @Produce json
// @Param request body api.IngestRequest true "写入请求"
// @Success 200 {object} Response{data=memory.IngestResult} "写入结果"
// @Failure 400 {object} Response "无效请求"
// @Failure 500 {object} Response "内部错误"
// @Security ApiKeyAuth
// @Router /v1/memory/ingest [post]
func (h *MemoryHandler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	// 验证 Content-Type
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	// 解码请求
	var req api.IngestRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if strings.TrimSpace(req.Content) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "content is required", h.logger)
		return
	}

	// 写入分层记忆
	res, err := h.manager.Ingest(r.Context(), req.Content, req.Source)
	if err != nil {
		h.handleMemoryError(w, err)
		return
	}

	// 记录日志
	h.logger.Info("memory ingested",
		zap.String("node_id", res.NodeID),
		zap.Float64("energy", res.Energy),
		zap.Bool("admitted", res.Admitted),
		zap.Bool("degraded", res.Degraded),
		zap.Int("links", res.Links),
		zap.Int("signals", len(res.Signals)),
	)

	WriteSuccess(w, res)
}

// HandleRecall 处理记忆检索请求
// @Summary 检索记忆
// @Description 融合向量相似度与图激活扩散检索记忆，命中节点获得能量回升
// @Tags 记忆
// @Accept json
// @Produce json
// @Param request body api.RecallRequest true "检索请求"
// @Success 200 {object} Response{data=api.RecallResponse} "检索结果"
// @Failure 400 {object} Response "无效请求"
// @Failure 500 {object} Response "内部错误"
// @Security ApiKeyAuth
// @Router /v1/memory/recall [post]
func (h *MemoryHandler) HandleRecall(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.RecallRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if strings.TrimSpace(req.Query) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "query is required", h.logger)
		return
	}

	results, err := h.manager.Recall(r.Context(), req.Query, req.TopK)
	if err != nil {
		h.handleMemoryError(w, err)
		return
	}

	WriteSuccess(w, api.RecallResponse{Results: results})
}

// HandleFeedback 处理能量反馈请求
// @Summary 节点反馈
// @Description 对单个节点施加能量增量，正为强化、负为削弱
// @Tags 记忆
// @Accept json
// @Produce json
// @Param request body api.FeedbackRequest true "反馈请求"
// @Success 200 {object} Response{data=memory.Node} "更新后的节点"
// @Failure 400 {object} Response "无效请求"
// @Failure 404 {object} Response "节点不存在"
// @Security ApiKeyAuth
// @Router /v1/memory/feedback [post]
func (h *MemoryHandler) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.FeedbackRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if req.NodeID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "node_id is required", h.logger)
		return
	}

	node, err := h.manager.Feedback(r.Context(), req.NodeID, req.Delta)
	if err != nil {
		h.handleMemoryError(w, err)
		return
	}

	WriteSuccess(w, node)
}

// HandleCausal 处理因果链路记录请求
// @Summary 记录因果链路
// @Description 在两个既有节点之间记录一条有向因果边
// @Tags 记忆
// @Accept json
// @Produce json
// @Param request body api.CausalLinkRequest true "链路请求"
// @Success 200 {object} Response{data=map[string]string} "链路结果"
// @Failure 400 {object} Response "无效请求"
// @Failure 404 {object} Response "节点不存在"
// @Security ApiKeyAuth
// @Router /v1/memory/causal [post]
func (h *MemoryHandler) HandleCausal(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.CausalLinkRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if req.SourceID == "" || req.TargetID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "source_id and target_id are required", h.logger)
		return
	}

	if err := h.manager.RecordCausal(r.Context(), req.SourceID, req.TargetID); err != nil {
		h.handleMemoryError(w, err)
		return
	}

	WriteSuccess(w, map[string]string{
		"source_id": req.SourceID,
		"target_id": req.TargetID,
		"status":    "linked",
	})
}

// HandleEvent 处理情节事件写入请求
// @Summary 记录情节事件
// @Description 写入一条带即时反馈的情节事件，并与相关节点建立因果链路
// @Tags 记忆
// @Accept json
// @Produce json
// @Param request body api.EventRequest true "事件请求"
// @Success 200 {object} Response{data=memory.IngestResult} "写入结果"
// @Failure 400 {object} Response "无效请求"
// @Failure 500 {object} Response "内部错误"
// @Security ApiKeyAuth
// @Router /v1/memory/events [post]
func (h *MemoryHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.EventRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if req.EventType == "" || strings.TrimSpace(req.Content) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "event_type and content are required", h.logger)
		return
	}

	res, err := h.manager.RecordEvent(r.Context(), req.EventType, req.Content, req.Feedback, req.RelatedIDs)
	if err != nil {
		h.handleMemoryError(w, err)
		return
	}

	WriteSuccess(w, res)
}

// HandleContext 处理上下文构建请求
// @Summary 构建提示词上下文
// @Description 在令牌预算内把最相关的记忆渲染成可注入提示词的 Markdown 块
// @Tags 记忆
// @Accept json
// @Produce json
// @Param request body api.ContextRequest true "上下文请求"
// @Success 200 {object} Response{data=api.ContextResponse} "上下文块"
// @Failure 400 {object} Response "无效请求"
// @Failure 500 {object} Response "内部错误"
// @Security ApiKeyAuth
// @Router /v1/memory/context [post]
func (h *MemoryHandler) HandleContext(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.ContextRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if strings.TrimSpace(req.Query) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "query is required", h.logger)
		return
	}

	block, err := h.manager.BuildContext(r.Context(), req.Query, req.TopK)
	if err != nil {
		h.handleMemoryError(w, err)
		return
	}

	WriteSuccess(w, api.ContextResponse{Context: block})
}

// HandleGetNode 处理单节点查询请求
// @Summary 查询节点
// @Description 按 ID 返回单个记忆节点
// @Tags 记忆
// @Produce json
// @Param id path string true "节点 ID"
// @Success 200 {object} Response{data=memory.Node} "节点"
// @Failure 404 {object} Response "节点不存在"
// @Security ApiKeyAuth
// @Router /v1/memory/nodes/{id} [get]
func (h *MemoryHandler) HandleGetNode(w http.ResponseWriter, r *http.Request) {
	nodeID := extractPathID(r, "/v1/memory/nodes/")
	if nodeID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "node ID is required", h.logger)
		return
	}

	node, err := h.manager.GetNode(r.Context(), nodeID)
	if err != nil {
		h.handleMemoryError(w, err)
		return
	}

	WriteSuccess(w, node)
}

// HandleForget 处理节点遗忘请求
// @Summary 遗忘节点
// @Description 从所有记忆层删除节点及其链路
// @Tags 记忆
// @Produce json
// @Param id path string true "节点 ID"
// @Success 200 {object} Response{data=map[string]string} "遗忘结果"
// @Failure 404 {object} Response "节点不存在"
// @Security ApiKeyAuth
// @Router /v1/memory/nodes/{id} [delete]
func (h *MemoryHandler) HandleForget(w http.ResponseWriter, r *http.Request) {
	nodeID := extractPathID(r, "/v1/memory/nodes/")
	if nodeID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "node ID is required", h.logger)
		return
	}

	if err := h.manager.Forget(r.Context(), nodeID); err != nil {
		h.handleMemoryError(w, err)
		return
	}

	h.logger.Info("node forgotten", zap.String("node_id", nodeID))

	WriteSuccess(w, map[string]string{
		"node_id": nodeID,
		"status":  "forgotten",
	})
}

// HandleFacts 处理结晶事实列表请求
// @Summary 列出结晶事实
// @Description 返回当前作用域固化到 L3 的长期事实
// @Tags 记忆
// @Produce json
// @Param limit query int false "返回条数上限"
// @Success 200 {object} Response{data=api.FactListResponse} "事实列表"
// @Failure 400 {object} Response "无效请求"
// @Security ApiKeyAuth
// @Router /v1/memory/facts [get]
func (h *MemoryHandler) HandleFacts(w http.ResponseWriter, r *http.Request) {
	limit := parseLimitQuery(r)

	facts, err := h.manager.Facts(r.Context(), limit)
	if err != nil {
		h.handleMemoryError(w, err)
		return
	}

	WriteSuccess(w, api.FactListResponse{Facts: facts})
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// handleMemoryError 处理记忆层错误
func (h *MemoryHandler) handleMemoryError(w http.ResponseWriter, err error) {
	if typedErr, ok := err.(*types.Error); ok {
		WriteError(w, typedErr, h.logger)
		return
	}

	internalErr := types.NewError(types.ErrInternalError, "memory operation failed").
		WithCause(err).
		WithRetryable(false)

	WriteError(w, internalErr, h.logger)
}

// extractPathID 从 URL 路径中提取资源 ID。
// 优先使用 Go 1.22+ 的 PathValue，回退到前缀裁剪。
func extractPathID(r *http.Request, prefix string) string {
	if id := r.PathValue("id"); id != "" {
		return id
	}
	path := strings.TrimPrefix(r.URL.Path, prefix)
	if path != "" && path != r.URL.Path && !strings.Contains(path, "/") {
		return path
	}
	return ""
}

// parseLimitQuery 解析 limit 查询参数，非法或缺省时返回 0（由存储层取默认值）
func parseLimitQuery(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}
