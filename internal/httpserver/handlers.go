package httpserver

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"papertrade/internal/httputil"
	"papertrade/internal/ledger"
	"papertrade/internal/portfolio"
	"papertrade/internal/pricing"
	"papertrade/internal/types"
)

type Handler struct {
	engine    *ledger.Engine
	portfolio *portfolio.Service
	prices    *pricing.Aggregator
	store     ledger.Store
	logger    *slog.Logger
}

func NewHandler(engine *ledger.Engine, pf *portfolio.Service, prices *pricing.Aggregator, store ledger.Store, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, portfolio: pf, prices: prices, store: store, logger: logger}
}

type tradeRequest struct {
	TokenAddress string `json:"token_address"`
	Side         string `json:"side"`
	Quantity     string `json:"quantity"`
}

func (h *Handler) ExecuteTrade(w http.ResponseWriter, r *http.Request, accountID string) {
	var req tradeRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid request body"})
		return
	}
	quantity, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid quantity"})
		return
	}

	result, err := h.engine.ExecuteTrade(r.Context(), ledger.ExecuteTradeRequest{
		AccountID:    accountID,
		TokenAddress: req.TokenAddress,
		Side:         types.TradeSide(req.Side),
		Quantity:     quantity,
	})
	if err != nil {
		h.writeTradeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

// writeTradeError maps the engine's typed errors onto HTTP statuses. The
// error text goes to the client verbatim; these messages carry no internals.
func (h *Handler) writeTradeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrInvalidQuantity):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInsufficientHoldings),
		errors.Is(err, ledger.ErrInvalidPrice),
		errors.Is(err, ledger.ErrStalePrice):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrConcurrentTrade):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrPriceUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrAccountNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "trade failed", "error", err)
		httputil.WriteJSON(w, status, httputil.ErrorResponse{Error: "trade failed"})
		return
	}
	httputil.WriteJSON(w, status, httputil.ErrorResponse{Error: err.Error()})
}

func (h *Handler) Portfolio(w http.ResponseWriter, r *http.Request, accountID string) {
	view, err := h.portfolio.Get(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: "account not found"})
			return
		}
		h.logger.ErrorContext(r.Context(), "portfolio read failed", "account_id", accountID, "error", err)
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "portfolio unavailable"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

func (h *Handler) TradeHistory(w http.ResponseWriter, r *http.Request, accountID string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	trades, err := h.store.Trades(r.Context(), accountID, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "trade history read failed", "account_id", accountID, "error", err)
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "history unavailable"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": trades})
}

func (h *Handler) Price(w http.ResponseWriter, r *http.Request, address string) {
	if address == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "missing token address"})
		return
	}
	quote, err := h.prices.GetPrice(r.Context(), address)
	if err != nil {
		if errors.Is(err, pricing.ErrUnavailable) {
			httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: "price unavailable"})
			return
		}
		httputil.WriteJSON(w, http.StatusServiceUnavailable, httputil.ErrorResponse{Error: "price lookup failed"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, quote)
}

type batchPricesRequest struct {
	Addresses []string `json:"addresses"`
}

func (h *Handler) BatchPrices(w http.ResponseWriter, r *http.Request) {
	var req batchPricesRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid request body"})
		return
	}
	if len(req.Addresses) == 0 || len(req.Addresses) > 200 {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "addresses must be 1..200"})
		return
	}
	quotes, err := h.prices.GetPrices(r.Context(), req.Addresses)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "batch price read failed", "error", err)
		httputil.WriteJSON(w, http.StatusServiceUnavailable, httputil.ErrorResponse{Error: "price lookup failed"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"prices": quotes})
}
