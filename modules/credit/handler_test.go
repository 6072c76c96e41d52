package credit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"quel-generation-server/modules/common/auth"
	"quel-generation-server/modules/common/model"
)

func newTestRouter(t *testing.T) (*mux.Router, *GormLedger) {
	t.Helper()
	ledger, _ := newTestLedger(t)
	handler := NewHandler(ledger, zap.NewNop())

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(auth.WithAccount(r.Context(), "acct")))
		})
	})
	internal := r.PathPrefix("/internal").Subrouter()
	handler.RegisterRoutes(api, internal)
	return r, ledger
}

func TestGetBalanceHandler(t *testing.T) {
	router, ledger := newTestRouter(t)
	_, err := ledger.Credit(context.Background(), "acct", 12, model.TxnPurchase, "", "order-1")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/credits/balance", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body BalanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "acct", body.AccountID)
	assert.Equal(t, int64(12), body.Balance)
	assert.Equal(t, int64(12), body.LifetimePurchased)
}

func TestListTransactionsHandler(t *testing.T) {
	router, ledger := newTestRouter(t)
	_, err := ledger.Credit(context.Background(), "acct", 5, model.TxnBonus, "", "bonus-1")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/credits/transactions?limit=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Transactions []model.CreditTransaction `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Transactions, 1)
	assert.Equal(t, model.TxnBonus, body.Transactions[0].Kind)
}

func TestGrantHandler(t *testing.T) {
	router, ledger := newTestRouter(t)

	post := func(body interface{}) *httptest.ResponseRecorder {
		raw, _ := json.Marshal(body)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/credits/grant", bytes.NewReader(raw)))
		return rec
	}

	t.Run("rejects consumption kind", func(t *testing.T) {
		rec := post(GrantRequest{AccountID: "acct", Amount: 5, Kind: "consumption", ExternalRef: "x"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects missing ref", func(t *testing.T) {
		rec := post(GrantRequest{AccountID: "acct", Amount: 5, Kind: "purchase"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("grants once per ref", func(t *testing.T) {
		req := GrantRequest{AccountID: "acct", Amount: 30, Kind: "purchase", ExternalRef: "cs_test_1"}
		rec := post(req)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = post(req)
		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, true, body["replayed"])

		balance, err := ledger.GetBalance(context.Background(), "acct")
		require.NoError(t, err)
		assert.Equal(t, int64(30), balance)
	})
}
