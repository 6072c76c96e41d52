package credit

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"quel-generation-server/modules/common/auth"
	"quel-generation-server/modules/common/model"
)

type Handler struct {
	ledger   Ledger
	validate *validator.Validate
	log      *zap.Logger
}

func NewHandler(ledger Ledger, log *zap.Logger) *Handler {
	return &Handler{
		ledger:   ledger,
		validate: validator.New(),
		log:      log.Named("credit.handler"),
	}
}

// GrantRequest - 결제 웹훅 서비스가 호출하는 크레딧 지급
type GrantRequest struct {
	AccountID   string `json:"accountId" validate:"required,max=128"`
	Amount      int64  `json:"amount" validate:"gt=0"`
	Kind        string `json:"kind" validate:"required,oneof=purchase bonus"`
	ExternalRef string `json:"externalRef" validate:"required,max=255"`
	Reason      string `json:"reason" validate:"max=512"`
}

type BalanceResponse struct {
	AccountID         string `json:"accountId"`
	Balance           int64  `json:"balance"`
	LifetimePurchased int64  `json:"lifetimePurchased"`
	LifetimeConsumed  int64  `json:"lifetimeConsumed"`
}

// RegisterRoutes - api 는 사용자 인증, internal 은 서비스 키 인증 라우터
func (h *Handler) RegisterRoutes(api, internal *mux.Router) {
	api.HandleFunc("/credits/balance", h.GetBalance).Methods("GET", "OPTIONS")
	api.HandleFunc("/credits/transactions", h.ListTransactions).Methods("GET", "OPTIONS")
	internal.HandleFunc("/credits/grant", h.Grant).Methods("POST")
	h.log.Info("✅ Credit routes registered: /api/credits/balance, /api/credits/transactions, /internal/credits/grant")
}

// GetBalance - 잔액 조회
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	account, err := h.ledger.Account(r.Context(), accountID)
	if err != nil {
		h.log.Error("❌ Failed to load balance", zap.String("account", accountID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to load balance"})
		return
	}

	writeJSON(w, http.StatusOK, BalanceResponse{
		AccountID:         accountID,
		Balance:           account.Balance,
		LifetimePurchased: account.LifetimePurchased,
		LifetimeConsumed:  account.LifetimeConsumed,
	})
}

// ListTransactions - 거래 내역 (?limit=&offset=)
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	txns, err := h.ledger.Transactions(r.Context(), accountID, limit, offset)
	if err != nil {
		h.log.Error("❌ Failed to list transactions", zap.String("account", accountID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to list transactions"})
		return
	}
	if txns == nil {
		txns = []model.CreditTransaction{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txns,
	})
}

// Grant - 구매/보너스 크레딧 지급 (externalRef 로 멱등)
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request format"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = req.Kind + " " + req.ExternalRef
	}

	res, err := h.ledger.Credit(r.Context(), req.AccountID, req.Amount, req.Kind, reason, req.ExternalRef)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) || errors.Is(err, ErrInvalidKind) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		h.log.Error("❌ Failed to grant credits", zap.String("account", req.AccountID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to grant credits"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"transactionId": res.TransactionID,
		"balance":       res.BalanceAfter,
		"replayed":      res.Replayed,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
