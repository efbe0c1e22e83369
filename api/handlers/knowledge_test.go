package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/biem/api"
	"github.com/BaSui01/biem/config"
	"github.com/BaSui01/biem/internal/journal"
	"github.com/BaSui01/biem/knowledge"
	"github.com/BaSui01/biem/testutil"
	"github.com/BaSui01/biem/testutil/mocks"
)

// =============================================================================
// 🧪 KnowledgeHandler 测试
// =============================================================================

const portStatement = `{"is_factual": true, "intent": "statement", "confidence": 0.95,
 "triples": [{"subject": "Redis", "predicate": "default_port", "object": "6379", "confidence": 0.95}]}`

const portCorrection = `{"is_factual": true, "intent": "correction", "confidence": 0.9,
 "triples": [{"subject": "Redis", "predicate": "default_port", "object": "6380", "confidence": 0.9}]}`

type knowledgeHandlerFixture struct {
	handler *KnowledgeHandler
	service *knowledge.Service
	llm     *mocks.ChatProvider
	clock   *mocks.Clock
	cfg     config.KnowledgeConfig
}

// newKnowledgeHandlerFixture 在内存存储与固定时钟上装配一个完整的 Service
func newKnowledgeHandlerFixture(t *testing.T) *knowledgeHandlerFixture {
	t.Helper()

	db := testutil.OpenSQLite(t)

	cfg := config.DefaultKnowledgeConfig()
	clock := mocks.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := knowledge.NewStore(db, clock.Now, nil)
	require.NoError(t, store.AutoMigrate())

	chat := mocks.NewChatProvider()
	service := knowledge.NewService(knowledge.ServiceOptions{
		Config:   cfg,
		Store:    store,
		Embedder: mocks.NewEmbedder(32),
		LLM:      chat,
		Index:    knowledge.NewInMemoryVectorIndex(nil),
		Journal:  journal.NewMemoryJournal(0, nil),
		Now:      clock.Now,
	})

	return &knowledgeHandlerFixture{
		handler: NewKnowledgeHandler(service, zap.NewNop()),
		service: service,
		llm:     chat,
		clock:   clock,
		cfg:     cfg,
	}
}

// jsonRequest 构造 JSON 请求（知识端点不依赖作用域）
func jsonRequest(t *testing.T, method, target string, payload any) *http.Request {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	r := httptest.NewRequest(method, target, bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

// storeFact 通过 HTTP 接口抽取并入库一条事实，返回其三元组
func (f *knowledgeHandlerFixture) storeFact(t *testing.T) *knowledge.Triple {
	t.Helper()
	f.llm.Enqueue(portStatement)

	w := httptest.NewRecorder()
	r := jsonRequest(t, http.MethodPost, "/v1/knowledge/process", api.ProcessMessageRequest{
		Message: "Redis listens on port 6379 by default",
	})

	f.handler.HandleProcess(w, r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res knowledge.ProcessResult
	decodeData(t, w.Body, &res)
	require.Len(t, res.Stored, 1)
	return res.Stored[0]
}

// raiseConflict 入库后提交矛盾更正，返回待确认条目 ID
func (f *knowledgeHandlerFixture) raiseConflict(t *testing.T) string {
	t.Helper()
	f.storeFact(t)
	f.llm.Enqueue(portCorrection)

	w := httptest.NewRecorder()
	r := jsonRequest(t, http.MethodPost, "/v1/knowledge/process", api.ProcessMessageRequest{
		Message: "Correction: Redis actually defaults to port 6380",
	})

	f.handler.HandleProcess(w, r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res knowledge.ProcessResult
	decodeData(t, w.Body, &res)
	require.Len(t, res.Pending, 1)
	return res.Pending[0].ID
}

func TestKnowledgeHandler_HandleProcess(t *testing.T) {
	f := newKnowledgeHandlerFixture(t)

	t.Run("stores extracted triples", func(t *testing.T) {
		stored := f.storeFact(t)
		assert.Equal(t, "Redis", stored.Subject)
		assert.Equal(t, "default_port", stored.Predicate)
		assert.Equal(t, "6379", stored.Object)
		assert.Equal(t, 1, stored.Version)
	})

	t.Run("missing message", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := jsonRequest(t, http.MethodPost, "/v1/knowledge/process", api.ProcessMessageRequest{Message: "  "})

		f.handler.HandleProcess(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown role", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := jsonRequest(t, http.MethodPost, "/v1/knowledge/process", api.ProcessMessageRequest{
			Message: "Redis listens on port 6379 by default",
			Role:    "wizard",
		})

		f.handler.HandleProcess(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestKnowledgeHandler_ProcessThenQuery(t *testing.T) {
	f := newKnowledgeHandlerFixture(t)
	stored := f.storeFact(t)

	w := httptest.NewRecorder()
	r := jsonRequest(t, http.MethodPost, "/v1/knowledge/query", api.KnowledgeQueryRequest{
		Query: stored.Text(),
	})

	f.handler.HandleQuery(w, r)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res api.KnowledgeQueryResponse
	decodeData(t, w.Body, &res)
	require.NotEmpty(t, res.Results)
	assert.Equal(t, stored.ID, res.Results[0].Triple.ID)
}

func TestKnowledgeHandler_HandleConfirm(t *testing.T) {
	t.Run("accept applies the update", func(t *testing.T) {
		f := newKnowledgeHandlerFixture(t)
		pendingID := f.raiseConflict(t)

		w := httptest.NewRecorder()
		r := jsonRequest(t, http.MethodPost, "/v1/knowledge/confirm", api.ConfirmRequest{
			PendingID: pendingID,
			Accept:    true,
		})

		f.handler.HandleConfirm(w, r)

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var res api.ConfirmResponse
		decodeData(t, w.Body, &res)
		assert.True(t, res.Accepted)
		require.NotNil(t, res.Applied)
		assert.Equal(t, "6380", res.Applied.Object)
		assert.Equal(t, 2, res.Applied.Version)
	})

	t.Run("reject keeps the original", func(t *testing.T) {
		f := newKnowledgeHandlerFixture(t)
		pendingID := f.raiseConflict(t)

		w := httptest.NewRecorder()
		r := jsonRequest(t, http.MethodPost, "/v1/knowledge/confirm", api.ConfirmRequest{
			PendingID: pendingID,
			Accept:    false,
		})

		f.handler.HandleConfirm(w, r)

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var res api.ConfirmResponse
		decodeData(t, w.Body, &res)
		assert.False(t, res.Accepted)
		assert.Nil(t, res.Applied)
	})

	t.Run("expired pending maps to 410", func(t *testing.T) {
		f := newKnowledgeHandlerFixture(t)
		pendingID := f.raiseConflict(t)

		f.clock.Advance(f.cfg.PendingTTL + time.Minute)

		w := httptest.NewRecorder()
		r := jsonRequest(t, http.MethodPost, "/v1/knowledge/confirm", api.ConfirmRequest{
			PendingID: pendingID,
			Accept:    true,
		})

		f.handler.HandleConfirm(w, r)

		assert.Equal(t, http.StatusGone, w.Code)
	})

	t.Run("unknown pending maps to 404", func(t *testing.T) {
		f := newKnowledgeHandlerFixture(t)

		w := httptest.NewRecorder()
		r := jsonRequest(t, http.MethodPost, "/v1/knowledge/confirm", api.ConfirmRequest{
			PendingID: "missing",
			Accept:    true,
		})

		f.handler.HandleConfirm(w, r)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestKnowledgeHandler_HandlePending(t *testing.T) {
	f := newKnowledgeHandlerFixture(t)
	pendingID := f.raiseConflict(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/knowledge/pending", nil)

	f.handler.HandlePending(w, r)

	require.Equal(t, http.StatusOK, w.Code)

	var res api.PendingListResponse
	decodeData(t, w.Body, &res)
	require.Len(t, res.Pending, 1)
	assert.Equal(t, pendingID, res.Pending[0].ID)

	t.Run("by id", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/v1/knowledge/pending/"+pendingID, nil)
		r.SetPathValue("id", pendingID)

		f.handler.HandlePendingByID(w, r)

		require.Equal(t, http.StatusOK, w.Code)

		var p knowledge.PendingUpdate
		decodeData(t, w.Body, &p)
		assert.Equal(t, pendingID, p.ID)
	})

	t.Run("by id not found", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/v1/knowledge/pending/missing", nil)
		r.SetPathValue("id", "missing")

		f.handler.HandlePendingByID(w, r)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestKnowledgeHandler_TriplesAndHistory(t *testing.T) {
	f := newKnowledgeHandlerFixture(t)
	stored := f.storeFact(t)

	t.Run("list recent", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/v1/knowledge/triples?limit=10", nil)

		f.handler.HandleTriples(w, r)

		require.Equal(t, http.StatusOK, w.Code)

		var res api.TripleListResponse
		decodeData(t, w.Body, &res)
		require.Len(t, res.Triples, 1)
		assert.Equal(t, stored.ID, res.Triples[0].ID)
	})

	t.Run("filter by subject", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/v1/knowledge/triples?subject=Redis", nil)

		f.handler.HandleTriples(w, r)

		require.Equal(t, http.StatusOK, w.Code)

		var res api.TripleListResponse
		decodeData(t, w.Body, &res)
		require.Len(t, res.Triples, 1)

		w = httptest.NewRecorder()
		r = httptest.NewRequest(http.MethodGet, "/v1/knowledge/triples?subject=Postgres", nil)

		f.handler.HandleTriples(w, r)

		require.Equal(t, http.StatusOK, w.Code)

		res = api.TripleListResponse{}
		decodeData(t, w.Body, &res)
		assert.Empty(t, res.Triples)
	})

	t.Run("get by id", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/v1/knowledge/triples/"+stored.ID, nil)
		r.SetPathValue("id", stored.ID)

		f.handler.HandleGetTriple(w, r)

		require.Equal(t, http.StatusOK, w.Code)

		var tr knowledge.Triple
		decodeData(t, w.Body, &tr)
		assert.Equal(t, stored.ID, tr.ID)
	})

	t.Run("history after a confirmed update", func(t *testing.T) {
		f.llm.Enqueue(portCorrection)
		w := httptest.NewRecorder()
		r := jsonRequest(t, http.MethodPost, "/v1/knowledge/process", api.ProcessMessageRequest{
			Message: "Correction: Redis actually defaults to port 6380",
		})
		f.handler.HandleProcess(w, r)
		require.Equal(t, http.StatusOK, w.Code)

		var proc knowledge.ProcessResult
		decodeData(t, w.Body, &proc)
		require.Len(t, proc.Pending, 1)

		w = httptest.NewRecorder()
		r = jsonRequest(t, http.MethodPost, "/v1/knowledge/confirm", api.ConfirmRequest{
			PendingID: proc.Pending[0].ID,
			Accept:    true,
		})
		f.handler.HandleConfirm(w, r)
		require.Equal(t, http.StatusOK, w.Code)

		w = httptest.NewRecorder()
		r = httptest.NewRequest(http.MethodGet, "/v1/knowledge/triples/"+stored.ID+"/history", nil)
		r.SetPathValue("id", stored.ID)

		f.handler.HandleHistory(w, r)

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var res api.HistoryListResponse
		decodeData(t, w.Body, &res)
		require.Len(t, res.History, 1, "exactly one history row per version bump")
		assert.Equal(t, "6379", res.History[0].OldValue)
		assert.Equal(t, "6380", res.History[0].NewValue)
	})
}
