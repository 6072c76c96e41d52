package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"quel-generation-server/modules/common/metrics"
)

// QueueName - resume 대기열 (LPUSH / BRPOP)
const QueueName = "jobs:generation"

// ResumeJob - 큐에 들어가는 메시지
type ResumeJob struct {
	AccountID  string    `json:"accountId"`
	BatchID    string    `json:"batchId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Queue - Redis list 기반 resume 큐
type Queue struct {
	rdb     redis.Cmdable
	name    string
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewQueue(rdb redis.Cmdable, log *zap.Logger, m *metrics.Metrics) *Queue {
	return &Queue{
		rdb:     rdb,
		name:    QueueName,
		log:     log.Named("worker.queue"),
		metrics: m,
	}
}

// Enqueue - LPUSH 후 큐 길이 반환
func (q *Queue) Enqueue(ctx context.Context, accountID, batchID string) (int64, error) {
	payload, err := json.Marshal(ResumeJob{
		AccountID:  accountID,
		BatchID:    batchID,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	length, err := q.rdb.LPush(ctx, q.name, string(payload)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis LPUSH failed: %w", err)
	}

	q.metrics.Enqueued()
	q.log.Info("📥 Batch enqueued for resume",
		zap.String("batch", batchID),
		zap.String("account", accountID),
		zap.Int64("position", length))
	return length, nil
}

// EnqueueRequest - 내부 서비스용 enqueue 요청
type EnqueueRequest struct {
	AccountID string `json:"accountId"`
	BatchID   string `json:"batchId"`
}

// EnqueueResponse - Enqueue 응답
type EnqueueResponse struct {
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
	BatchID       string `json:"batchId,omitempty"`
	Queue         string `json:"queue,omitempty"`
	QueuePosition int64  `json:"queuePosition,omitempty"`
}

// EnqueueHandler - 서비스 키로 보호되는 내부 enqueue API
type EnqueueHandler struct {
	queue *Queue
	log   *zap.Logger
}

func NewEnqueueHandler(queue *Queue, log *zap.Logger) *EnqueueHandler {
	return &EnqueueHandler{queue: queue, log: log.Named("worker.enqueue")}
}

// RegisterRoutes - internal 서브라우터에 등록
func (h *EnqueueHandler) RegisterRoutes(internal *mux.Router) {
	internal.HandleFunc("/generations/enqueue", h.HandleEnqueue).Methods("POST")
	h.log.Info("✅ Enqueue route registered: /internal/generations/enqueue")
}

// HandleEnqueue - POST /internal/generations/enqueue
func (h *EnqueueHandler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(EnqueueResponse{Error: "Invalid request body"})
		return
	}
	if req.AccountID == "" || req.BatchID == "" {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(EnqueueResponse{Error: "accountId and batchId are required"})
		return
	}

	position, err := h.queue.Enqueue(r.Context(), req.AccountID, req.BatchID)
	if err != nil {
		h.log.Error("❌ Enqueue failed", zap.String("batch", req.BatchID), zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(EnqueueResponse{Error: err.Error()})
		return
	}

	json.NewEncoder(w).Encode(EnqueueResponse{
		Success:       true,
		BatchID:       req.BatchID,
		Queue:         QueueName,
		QueuePosition: position,
	})
}
