package handlers

import (
	"net/http"

	"github.com/BaSui01/biem/api"
	"github.com/BaSui01/biem/knowledge"
	"github.com/BaSui01/biem/memory"
	"github.com/BaSui01/biem/types"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 统计接口 Handler
// =============================================================================

// StatsHandler 引擎统计处理器，聚合记忆层与知识层
type StatsHandler struct {
	manager *memory.Manager
	service *knowledge.Service
	logger  *zap.Logger
}

// NewStatsHandler 创建统计处理器
func NewStatsHandler(manager *memory.Manager, service *knowledge.Service, logger *zap.Logger) *StatsHandler {
	return &StatsHandler{
		manager: manager,
		service: service,
		logger:  logger,
	}
}

// HandleStats 处理统计请求
// @Summary 引擎统计
// @Description 返回各作用域的分层记忆规模与知识库统计
// @Tags 统计
// @Produce json
// @Success 200 {object} Response{data=api.StatsResponse} "统计结果"
// @Failure 500 {object} Response "内部错误"
// @Security ApiKeyAuth
// @Router /v1/stats [get]
func (h *StatsHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	memStats, err := h.manager.Stats(r.Context())
	if err != nil {
		h.writeStatsError(w, err)
		return
	}

	knowStats, err := h.service.Stats(r.Context())
	if err != nil {
		h.writeStatsError(w, err)
		return
	}

	WriteSuccess(w, api.StatsResponse{
		Memory:    memStats,
		Knowledge: knowStats,
	})
}

func (h *StatsHandler) writeStatsError(w http.ResponseWriter, err error) {
	if typedErr, ok := err.(*types.Error); ok {
		WriteError(w, typedErr, h.logger)
		return
	}
	WriteError(w, types.NewError(types.ErrInternalError, "stats collection failed").WithCause(err), h.logger)
}
