package handlers

import (
	"net/http"
	"strings"

	"github.com/BaSui01/biem/api"
	"github.com/BaSui01/biem/knowledge"
	"github.com/BaSui01/biem/llm"
	"github.com/BaSui01/biem/types"
	"go.uber.org/zap"
)

// =============================================================================
// 📚 知识库接口 Handler
// =============================================================================

// KnowledgeHandler 结构化知识接口处理器
type KnowledgeHandler struct {
	service *knowledge.Service
	logger  *zap.Logger
}

// NewKnowledgeHandler 创建知识处理器
func NewKnowledgeHandler(service *knowledge.Service, logger *zap.Logger) *KnowledgeHandler {
	return &KnowledgeHandler{
		service: service,
		logger:  logger,
	}
}

// HandleProcess 处理知识抽取请求
// @Summary 抽取知识
// @Description 从消息中抽取三元组并入库，与既有事实冲突时转入待确认队列
// @Tags 知识
// @Accept json
// @Produce json
// @Param request body api.ProcessMessageRequest true "抽取请求"
// @Success 200 {object} Response{data=knowledge.ProcessResult} "抽取结果"
// @Failure 400 {object} Response "无效请求"
// @Failure 502 {object} Response "抽取模型不可用"
// @Security ApiKeyAuth
// @Router /v1/knowledge/process [post]
func (h *KnowledgeHandler) HandleProcess(w http.ResponseWriter, r *http.Request) {
	// 验证 Content-Type
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	// 解码请求
	var req api.ProcessMessageRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if strings.TrimSpace(req.Message) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "message is required", h.logger)
		return
	}

	role, ok := parseMessageRole(req.Role)
	if !ok {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "role must be one of user, assistant, system", h.logger)
		return
	}

	// 抽取并入库
	result, err := h.service.ProcessMessage(r.Context(), req.Message, role)
	if err != nil {
		h.handleKnowledgeError(w, err)
		return
	}

	// 记录日志
	h.logger.Info("knowledge processed",
		zap.String("action", result.Action),
		zap.Int("stored", len(result.Stored)),
		zap.Int("pending", len(result.Pending)),
		zap.Int("conflicts", len(result.Conflicts)),
	)

	WriteSuccess(w, result)
}

// HandleConfirm 处理待确认更新的裁决请求
// @Summary 裁决待确认更新
// @Description 接受或拒绝一条待确认的知识更新，过期条目视为已拒绝
// @Tags 知识
// @Accept json
// @Produce json
// @Param request body api.ConfirmRequest true "裁决请求"
// @Success 200 {object} Response{data=api.ConfirmResponse} "裁决结果"
// @Failure 400 {object} Response "无效请求"
// @Failure 404 {object} Response "条目不存在"
// @Failure 410 {object} Response "条目已过期"
// @Security ApiKeyAuth
// @Router /v1/knowledge/confirm [post]
func (h *KnowledgeHandler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.ConfirmRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if req.PendingID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "pending_id is required", h.logger)
		return
	}

	applied, err := h.service.Confirm(r.Context(), req.PendingID, req.Accept)
	if err != nil {
		h.handleKnowledgeError(w, err)
		return
	}

	h.logger.Info("pending update resolved",
		zap.String("pending_id", req.PendingID),
		zap.Bool("accepted", req.Accept),
	)

	WriteSuccess(w, api.ConfirmResponse{
		Accepted: req.Accept,
		Applied:  applied,
	})
}

// HandleQuery 处理知识查询请求
// @Summary 查询知识
// @Description 语义检索三元组，并沿主语图做一跳扩展
// @Tags 知识
// @Accept json
// @Produce json
// @Param request body api.KnowledgeQueryRequest true "查询请求"
// @Success 200 {object} Response{data=api.KnowledgeQueryResponse} "查询结果"
// @Failure 400 {object} Response "无效请求"
// @Security ApiKeyAuth
// @Router /v1/knowledge/query [post]
func (h *KnowledgeHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.KnowledgeQueryRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if strings.TrimSpace(req.Query) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "query is required", h.logger)
		return
	}

	results, err := h.service.Query(r.Context(), req.Query)
	if err != nil {
		h.handleKnowledgeError(w, err)
		return
	}

	WriteSuccess(w, api.KnowledgeQueryResponse{Results: results})
}

// HandleContext 处理知识上下文构建请求
// @Summary 构建知识上下文
// @Description 把相关三元组渲染成可注入提示词的文本块
// @Tags 知识
// @Accept json
// @Produce json
// @Param request body api.ContextRequest true "上下文请求"
// @Success 200 {object} Response{data=api.ContextResponse} "上下文块"
// @Failure 400 {object} Response "无效请求"
// @Security ApiKeyAuth
// @Router /v1/knowledge/context [post]
func (h *KnowledgeHandler) HandleContext(w http.ResponseWriter, r *http.Request) {
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

	block, err := h.service.Context(r.Context(), req.Query)
	if err != nil {
		h.handleKnowledgeError(w, err)
		return
	}

	WriteSuccess(w, api.ContextResponse{Context: block})
}

// HandlePending 处理待确认列表请求
// @Summary 列出待确认更新
// @Description 返回尚未裁决且未过期的知识更新
// @Tags 知识
// @Produce json
// @Success 200 {object} Response{data=api.PendingListResponse} "待确认列表"
// @Security ApiKeyAuth
// @Router /v1/knowledge/pending [get]
func (h *KnowledgeHandler) HandlePending(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, api.PendingListResponse{Pending: h.service.Pending()})
}

// HandlePendingByID 处理单条待确认查询请求
// @Summary 查询待确认更新
// @Description 按 ID 返回单条待确认更新
// @Tags 知识
// @Produce json
// @Param id path string true "待确认条目 ID"
// @Success 200 {object} Response{data=knowledge.PendingUpdate} "待确认条目"
// @Failure 404 {object} Response "条目不存在"
// @Security ApiKeyAuth
// @Router /v1/knowledge/pending/{id} [get]
func (h *KnowledgeHandler) HandlePendingByID(w http.ResponseWriter, r *http.Request) {
	pendingID := extractPathID(r, "/v1/knowledge/pending/")
	if pendingID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "pending ID is required", h.logger)
		return
	}

	p, err := h.service.PendingByID(pendingID)
	if err != nil {
		h.handleKnowledgeError(w, err)
		return
	}

	WriteSuccess(w, p)
}

// HandleTriples 处理三元组列表请求
// @Summary 列出三元组
// @Description 按最近更新返回三元组，指定 subject 时返回该主语下的全部事实
// @Tags 知识
// @Produce json
// @Param subject query string false "主语过滤"
// @Param limit query int false "返回条数上限"
// @Success 200 {object} Response{data=api.TripleListResponse} "三元组列表"
// @Security ApiKeyAuth
// @Router /v1/knowledge/triples [get]
func (h *KnowledgeHandler) HandleTriples(w http.ResponseWriter, r *http.Request) {
	limit := parseLimitQuery(r)
	subject := r.URL.Query().Get("subject")

	var (
		triples []*knowledge.Triple
		err     error
	)
	if subject != "" {
		triples, err = h.service.FindBySubject(r.Context(), subject, limit)
	} else {
		triples, err = h.service.Recent(r.Context(), limit)
	}
	if err != nil {
		h.handleKnowledgeError(w, err)
		return
	}

	WriteSuccess(w, api.TripleListResponse{Triples: triples})
}

// HandleGetTriple 处理单三元组查询请求
// @Summary 查询三元组
// @Description 按 ID 返回单个三元组的当前版本
// @Tags 知识
// @Produce json
// @Param id path string true "三元组 ID"
// @Success 200 {object} Response{data=knowledge.Triple} "三元组"
// @Failure 404 {object} Response "三元组不存在"
// @Security ApiKeyAuth
// @Router /v1/knowledge/triples/{id} [get]
func (h *KnowledgeHandler) HandleGetTriple(w http.ResponseWriter, r *http.Request) {
	tripleID := extractPathID(r, "/v1/knowledge/triples/")
	if tripleID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "triple ID is required", h.logger)
		return
	}

	t, err := h.service.GetTriple(r.Context(), tripleID)
	if err != nil {
		h.handleKnowledgeError(w, err)
		return
	}

	WriteSuccess(w, t)
}

// HandleHistory 处理版本历史请求
// @Summary 查询版本历史
// @Description 按时间倒序返回三元组的版本历史，每次版本跃迁恰好一行
// @Tags 知识
// @Produce json
// @Param id path string true "三元组 ID"
// @Param limit query int false "返回条数上限"
// @Success 200 {object} Response{data=api.HistoryListResponse} "版本历史"
// @Failure 404 {object} Response "三元组不存在"
// @Security ApiKeyAuth
// @Router /v1/knowledge/triples/{id}/history [get]
func (h *KnowledgeHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	tripleID := r.PathValue("id")
	if tripleID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "triple ID is required", h.logger)
		return
	}

	rows, err := h.service.History(r.Context(), tripleID, parseLimitQuery(r))
	if err != nil {
		h.handleKnowledgeError(w, err)
		return
	}

	WriteSuccess(w, api.HistoryListResponse{History: rows})
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// handleKnowledgeError 处理知识层错误
func (h *KnowledgeHandler) handleKnowledgeError(w http.ResponseWriter, err error) {
	if typedErr, ok := err.(*types.Error); ok {
		WriteError(w, typedErr, h.logger)
		return
	}

	internalErr := types.NewError(types.ErrInternalError, "knowledge operation failed").
		WithCause(err).
		WithRetryable(false)

	WriteError(w, internalErr, h.logger)
}

// parseMessageRole 解析消息角色，缺省为 user
func parseMessageRole(raw string) (llm.Role, bool) {
	switch raw {
	case "":
		return llm.RoleUser, true
	case string(llm.RoleUser):
		return llm.RoleUser, true
	case string(llm.RoleAssistant):
		return llm.RoleAssistant, true
	case string(llm.RoleSystem):
		return llm.RoleSystem, true
	default:
		return "", false
	}
}
