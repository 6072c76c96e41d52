package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"quel-generation-server/modules/common/auth"
	"quel-generation-server/modules/credit"
	"quel-generation-server/modules/prediction"
)

var batchIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// Enqueuer - resume 워커 큐
type Enqueuer interface {
	Enqueue(ctx context.Context, accountID, batchID string) (int64, error)
}

type Handler struct {
	coordinator *Coordinator
	queue       Enqueuer
	validate    *validator.Validate
	log         *zap.Logger
}

// NewHandler - queue 가 nil 이면 resume 은 503
func NewHandler(coordinator *Coordinator, queue Enqueuer, log *zap.Logger) *Handler {
	v := validator.New()
	v.RegisterValidation("batchid", func(fl validator.FieldLevel) bool {
		return batchIDPattern.MatchString(fl.Field().String())
	})

	return &Handler{
		coordinator: coordinator,
		queue:       queue,
		validate:    v,
		log:         log.Named("generation.handler"),
	}
}

// RegisterRoutes - 인증 미들웨어가 걸린 /api 서브라우터에 등록
func (h *Handler) RegisterRoutes(api *mux.Router) {
	api.HandleFunc("/generations", h.Generate).Methods("POST", "OPTIONS")
	api.HandleFunc("/generations/{batchId}", h.GetStatus).Methods("GET", "OPTIONS")
	api.HandleFunc("/generations/{batchId}/resume", h.Resume).Methods("POST", "OPTIONS")
	h.log.Info("✅ Generation routes registered: POST /api/generations, GET /api/generations/{batchId}, POST /api/generations/{batchId}/resume")
}

// Generate - 배치 생성 또는 이어서 생성
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request format"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": validationMessage(err)})
		return
	}

	h.log.Info("📥 Generation requested",
		zap.String("account", accountID),
		zap.String("batch", req.BatchID),
		zap.String("kind", req.Kind),
		zap.Int("targetUnits", req.TargetUnits))

	result, err := h.coordinator.Run(r.Context(), accountID, req.toBatchRequest())
	if err != nil {
		h.writeError(w, accountID, req.BatchID, err)
		return
	}

	status := http.StatusOK
	if result.InProgress {
		status = http.StatusAccepted
	}
	writeJSON(w, status, toResponse(result))
}

// GetStatus - 진행 상태 조회
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	batchID := mux.Vars(r)["batchId"]
	view, err := h.coordinator.Status(r.Context(), accountID, batchID)
	if err != nil {
		h.writeError(w, accountID, batchID, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Resume - resume 워커 큐에 등록
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}
	if h.queue == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Resume queue is not configured"})
		return
	}

	batchID := mux.Vars(r)["batchId"]
	view, err := h.coordinator.Status(r.Context(), accountID, batchID)
	if err != nil {
		h.writeError(w, accountID, batchID, err)
		return
	}
	if view.Completed {
		writeJSON(w, http.StatusOK, ResumeResponse{
			Success: true,
			BatchID: batchID,
			Message: "Batch is already complete",
		})
		return
	}

	position, err := h.queue.Enqueue(r.Context(), accountID, batchID)
	if err != nil {
		h.log.Error("❌ Failed to enqueue resume", zap.String("batch", batchID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to enqueue resume"})
		return
	}

	writeJSON(w, http.StatusAccepted, ResumeResponse{
		Success:       true,
		BatchID:       batchID,
		QueuePosition: position,
		Message:       "Resume enqueued",
	})
}

// writeError - 에러 종류별 상태 코드
func (h *Handler) writeError(w http.ResponseWriter, accountID, batchID string, err error) {
	var funds *credit.InsufficientFundsError
	var external *prediction.ExternalServiceError

	switch {
	case errors.As(err, &funds):
		writeJSON(w, http.StatusPaymentRequired, InsufficientFundsResponse{
			Error:          "Insufficient credits",
			CurrentBalance: funds.Current,
			Required:       funds.Required,
		})
	case errors.Is(err, prediction.ErrInvalidSpec):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrBatchNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Batch not found"})
	case errors.Is(err, ErrConcurrentUpdate):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "Batch was updated concurrently, retry"})
	case errors.As(err, &external):
		h.log.Error("❌ Prediction service unavailable", zap.String("batch", batchID), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "Prediction service unavailable: " + external.Err.Error()})
	default:
		h.log.Error("❌ Generation failed",
			zap.String("account", accountID),
			zap.String("batch", batchID),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return verrs[0].Field() + " failed " + verrs[0].Tag()
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
