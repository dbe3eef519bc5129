package positions

import (
	"errors"
	"net/http"
	"strings"

	"lv-tradedesk/internal/httputil"
	"lv-tradedesk/internal/model"
	"lv-tradedesk/internal/types"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type openPositionRequest struct {
	SymbolID   string `json:"symbol_id"`
	Direction  string `json:"direction"`
	Amount     string `json:"amount"`
	Leverage   string `json:"leverage"`
	StopLoss   string `json:"stop_loss"`
	TakeProfit string `json:"take_profit"`
}

func (h *Handler) Open(w http.ResponseWriter, r *http.Request, userID string) {
	var req openPositionRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	symbolID := strings.ToLower(strings.TrimSpace(req.SymbolID))
	if symbolID == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "symbol_id is required"})
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid amount"})
		return
	}
	stopLoss, ok := optionalDecimal(req.StopLoss)
	if !ok {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid stop_loss"})
		return
	}
	takeProfit, ok := optionalDecimal(req.TakeProfit)
	if !ok {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid take_profit"})
		return
	}
	pos, err := h.svc.Open(r.Context(), OpenRequest{
		UserID:     userID,
		SymbolID:   symbolID,
		Direction:  types.Direction(strings.ToUpper(strings.TrimSpace(req.Direction))),
		Amount:     amount,
		Leverage:   req.Leverage,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		Source:     types.PositionSourceManual,
	})
	if err != nil {
		writeError(w, err, "failed to open position")
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, pos)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request, userID string) {
	status := types.PositionStatus(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))))
	switch status {
	case "", types.PositionStatusOpen, types.PositionStatusPaused, types.PositionStatusClosed:
	default:
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid status"})
		return
	}
	list, err := h.svc.List(r.Context(), userID, status)
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to list positions"})
		return
	}
	if list == nil {
		list = []model.Position{}
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request, userID string) {
	pos, err := h.svc.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, "failed to load position")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, pos)
}

func (h *Handler) Close(w http.ResponseWriter, r *http.Request, userID string) {
	res, err := h.svc.Close(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, "failed to close position")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) CloseAll(w http.ResponseWriter, r *http.Request, userID string) {
	res, err := h.svc.CloseByScope(r.Context(), userID, r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, err, "failed to close positions")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) Pause(w http.ResponseWriter, r *http.Request, userID string) {
	pos, err := h.svc.Pause(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, "failed to pause position")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, pos)
}

func (h *Handler) Resume(w http.ResponseWriter, r *http.Request, userID string) {
	pos, err := h.svc.Resume(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, "failed to resume position")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, pos)
}

// StatusFor maps service errors to HTTP status codes. Unknown errors are 500.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, ErrPositionClosed), errors.Is(err, ErrNotOpen), errors.Is(err, ErrNotPaused):
		return http.StatusConflict
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidDirection),
		errors.Is(err, ErrInvalidLeverage), errors.Is(err, ErrSymbolUnavailable), errors.Is(err, ErrInvalidScope):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error, fallback string) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = fallback
	}
	httputil.WriteJSON(w, status, httputil.ErrorResponse{Error: msg})
}

func optionalDecimal(raw string) (*decimal.Decimal, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, true
	}
	d, err := decimal.NewFromString(raw)
	if err != nil || !d.IsPositive() {
		return nil, false
	}
	return &d, true
}
