package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"lv-tradedesk/internal/httputil"
	"lv-tradedesk/internal/model"
	"lv-tradedesk/internal/store"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Wallet(w http.ResponseWriter, r *http.Request, userID string) {
	wallet, err := h.svc.Wallet(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: "wallet not found"})
			return
		}
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to load wallet"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, wallet)
}

func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request, userID string) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}
	list, err := h.svc.Transactions(r.Context(), userID, limit)
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to load transactions"})
		return
	}
	if list == nil {
		list = []model.Transaction{}
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}
