package copytrade

import (
	"errors"
	"net/http"
	"strings"

	"lv-tradedesk/internal/httputil"
	"lv-tradedesk/internal/model"
	"lv-tradedesk/internal/positions"

	"github.com/shopspring/decimal"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type copyTradeRequest struct {
	TraderID string `json:"trader_id"`
	TradeID  string `json:"trade_id"`
	Amount   string `json:"amount"`
}

type tradersResponse struct {
	Enabled   bool            `json:"copy_trading_enabled"`
	MinAmount decimal.Decimal `json:"min_amount"`
	Traders   []model.Trader  `json:"traders"`
}

func (h *Handler) Traders(w http.ResponseWriter, r *http.Request, _ string) {
	list, err := h.svc.ActiveTraders(r.Context())
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to load traders"})
		return
	}
	cfg := h.svc.Settings(r.Context())
	httputil.WriteJSON(w, http.StatusOK, tradersResponse{Enabled: cfg.Enabled, MinAmount: cfg.MinAmount, Traders: list})
}

func (h *Handler) Copy(w http.ResponseWriter, r *http.Request, userID string) {
	var req copyTradeRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	req.TraderID = strings.TrimSpace(req.TraderID)
	req.TradeID = strings.TrimSpace(req.TradeID)
	if req.TraderID == "" || req.TradeID == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "trader_id and trade_id are required"})
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid amount"})
		return
	}
	pos, err := h.svc.Copy(r.Context(), Request{UserID: userID, TraderID: req.TraderID, TradeID: req.TradeID, Amount: amount})
	if err != nil {
		status := statusFor(err)
		msg := err.Error()
		if status == http.StatusInternalServerError {
			msg = "failed to copy trade"
		}
		httputil.WriteJSON(w, status, httputil.ErrorResponse{Error: msg})
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, pos)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrCopyTradingDisabled):
		return http.StatusForbidden
	case errors.Is(err, ErrTraderNotFound), errors.Is(err, ErrTradeNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBelowMinimum), errors.Is(err, ErrTraderInactive):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoActiveSymbols):
		return http.StatusServiceUnavailable
	default:
		return positions.StatusFor(err)
	}
}
