// Package server exposes the order API, scheduler status and Prometheus
// metrics over HTTP. It is a thin collaborator surface: all validation and
// semantics live in the dca service.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/RaghavSood/dcabot/db"
	"github.com/RaghavSood/dcabot/dca"
	"github.com/RaghavSood/dcabot/errs"
	"github.com/RaghavSood/dcabot/scheduler"
)

type Server struct {
	orders *dca.Service
	sched  *scheduler.Scheduler
	log    *zap.SugaredLogger
	http   *http.Server
}

func New(orders *dca.Service, sched *scheduler.Scheduler, port int, log *zap.SugaredLogger) *Server {
	s := &Server{
		orders: orders,
		sched:  sched,
		log:    log.Named("server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/orders", s.handleCreateOrder)
	mux.HandleFunc("GET /api/orders", s.handleListOrders)
	mux.HandleFunc("GET /api/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", s.handleCancelOrder)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.log.Infow("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type createOrderRequest struct {
	OwnerKey         string     `json:"owner_key"`
	FromSymbol       string     `json:"from_symbol"`
	ToSymbol         string     `json:"to_symbol"`
	FromAmount       string     `json:"from_amount"`
	TriggerPrice     string     `json:"trigger_price"`
	TriggerCondition string     `json:"trigger_condition"`
	SlippageBps      int64      `json:"slippage_bps,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

type orderResponse struct {
	ID                string     `json:"id"`
	OwnerKey          string     `json:"owner_key"`
	FromSymbol        string     `json:"from_symbol"`
	ToSymbol          string     `json:"to_symbol"`
	FromAmount        string     `json:"from_amount"`
	TriggerPrice      string     `json:"trigger_price"`
	TriggerCondition  string     `json:"trigger_condition"`
	MaxSlippageBps    int64      `json:"max_slippage_bps"`
	Status            string     `json:"status"`
	RetryCount        int        `json:"retry_count"`
	LastFailureReason string     `json:"last_failure_reason,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	ExecutedAt        *time.Time `json:"executed_at,omitempty"`
	ExecutionTxHash   string     `json:"execution_tx_hash,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func toOrderResponse(o *db.Order) orderResponse {
	return orderResponse{
		ID:                o.ID,
		OwnerKey:          o.OwnerKey,
		FromSymbol:        o.FromSymbol,
		ToSymbol:          o.ToSymbol,
		FromAmount:        o.FromAmount,
		TriggerPrice:      o.TriggerPrice.String(),
		TriggerCondition:  o.TriggerCondition,
		MaxSlippageBps:    o.MaxSlippageBps,
		Status:            o.Status,
		RetryCount:        o.RetryCount,
		LastFailureReason: o.LastFailureReason,
		ExpiresAt:         o.ExpiresAt,
		ExecutedAt:        o.ExecutedAt,
		ExecutionTxHash:   o.ExecutionTxHash,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.Wrap(errs.KindInvalidArgument, "malformed body", err))
		return
	}
	if req.OwnerKey == "" {
		s.writeError(w, errs.New(errs.KindInvalidArgument, "owner_key is required"))
		return
	}

	order, err := s.orders.CreateOrder(r.Context(), dca.CreateParams{
		OwnerKey:         req.OwnerKey,
		FromSymbol:       req.FromSymbol,
		ToSymbol:         req.ToSymbol,
		FromAmount:       req.FromAmount,
		TriggerPrice:     req.TriggerPrice,
		TriggerCondition: req.TriggerCondition,
		SlippageBps:      req.SlippageBps,
		ExpiresAt:        req.ExpiresAt,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	ownerKey := r.URL.Query().Get("owner_key")
	if ownerKey == "" {
		s.writeError(w, errs.New(errs.KindInvalidArgument, "owner_key is required"))
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit < 0 {
			s.writeError(w, errs.Newf(errs.KindInvalidArgument, "invalid limit %q", raw))
			return
		}
	}

	orders, err := s.orders.ListOrders(r.Context(), ownerKey, r.URL.Query().Get("status"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderResponse(o))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"orders": out})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	ownerKey := r.URL.Query().Get("owner_key")
	if ownerKey == "" {
		s.writeError(w, errs.New(errs.KindInvalidArgument, "owner_key is required"))
		return
	}

	order, err := s.orders.GetOrder(r.Context(), ownerKey, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	ownerKey := r.URL.Query().Get("owner_key")
	if ownerKey == "" {
		s.writeError(w, errs.New(errs.KindInvalidArgument, "owner_key is required"))
		return
	}

	if err := s.orders.CancelOrder(r.Context(), ownerKey, r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sched.Status())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.sched.Status()
	if !st.Running || st.Suspended {
		s.writeJSON(w, http.StatusServiceUnavailable, st)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warnw("writing response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	s.writeJSON(w, httpStatus(kind), map[string]string{
		"error": string(kind),
	})
}

func httpStatus(kind errs.Kind) int {
	switch kind {
	case errs.KindInvalidArgument, errs.KindPairUnsupported:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindTerminalState:
		return http.StatusConflict
	case errs.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case errs.KindInsufficientBalance, errs.KindInsufficientAllowance:
		return http.StatusUnprocessableEntity
	case errs.KindUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
