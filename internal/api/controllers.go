package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"orderflow/internal/dispatch"
	"orderflow/internal/order"
	"orderflow/pkg/db"
	exchange "orderflow/pkg/exchanges/common"
)

type createManagerRequest struct {
	Mode string `json:"mode" binding:"required,min=1"`
}

type addEventRequest struct {
	Type     string `json:"type" binding:"required,min=1"`
	Priority db.Priority `json:"priority"`
	Payload  string      `json:"payload"`
}

type listOrdersQuery struct {
	Status string `form:"status"`
}

type listEventsQuery struct {
	Limit int `form:"limit"`
}

func (q *listEventsQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

type orderView struct {
	ID              string              `json:"id"`
	ParentOrderID   string              `json:"parent_order_id,omitempty"`
	PortfolioID     string              `json:"portfolio_id"`
	OwnerID         string              `json:"owner_id"`
	SignalID        string              `json:"signal_id"`
	Type            db.OrderType        `json:"order_type"`
	Category        string              `json:"category"`
	Side            db.Side             `json:"side"`
	Status          db.OrderStatus      `json:"status"`
	Symbol          string              `json:"symbol"`
	BaseCurrency    string              `json:"base_currency"`
	QuoteCurrency   string              `json:"quote_currency"`
	Quantity        decimal.Decimal     `json:"quantity"`
	TargetPrice     decimal.NullDecimal `json:"target_price"`
	ExchangeOrderID string              `json:"exchange_order_id,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	ExecutedAt      *time.Time          `json:"executed_at,omitempty"`
	Children        []orderView         `json:"children,omitempty"`
}

func newOrderView(o db.Order) orderView {
	return orderView{
		ID:              o.ID,
		ParentOrderID:   o.ParentOrderID,
		PortfolioID:     o.PortfolioID,
		OwnerID:         o.OwnerID,
		SignalID:        o.SignalID,
		Type:            o.Type,
		Category:        o.Category,
		Side:            o.Side,
		Status:          o.Status,
		Symbol:          o.Symbol,
		BaseCurrency:    o.BaseCurrency,
		QuoteCurrency:   o.QuoteCurrency,
		Quantity:        o.Quantity,
		TargetPrice:     o.TargetPrice,
		ExchangeOrderID: o.ExchangeOrderID,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
		ExecutedAt:      o.ExecutedAt,
	}
}

type eventView struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Priority   string     `json:"priority"`
	Payload    string     `json:"payload"`
	CreatedAt  time.Time  `json:"created_at"`
	ExecutedAt *time.Time `json:"executed_at,omitempty"`
	FailedAt   *time.Time `json:"failed_at,omitempty"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
}

func newEventView(e db.Event) eventView {
	return eventView{
		ID:         e.ID,
		Type:       e.Type,
		Priority:   e.Priority.String(),
		Payload:    e.Payload,
		CreatedAt:  e.CreatedAt,
		ExecutedAt: e.ExecutedAt,
		FailedAt:   e.FailedAt,
		Attempts:   e.Attempts,
		LastError:  e.LastError,
	}
}

type managerView struct {
	ID     string           `json:"id"`
	Mode   string           `json:"mode"`
	Status db.ManagerStatus `json:"status"`
	Events []eventView      `json:"events,omitempty"`
}

func newManagerView(m *dispatch.Manager) managerView {
	return managerView{ID: m.ID(), Mode: m.Mode(), Status: m.Status()}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// bindJSON decodes the body into dst and answers 400 when it cannot.
// Priorities are accepted by name only.
func bindJSON(c *gin.Context, dst any) bool {
	err := c.ShouldBindJSON(dst)
	switch {
	case err == nil:
		return true
	case errors.Is(err, db.ErrUnknownPriority):
		respondError(c, http.StatusBadRequest, "INVALID_PRIORITY", err.Error())
	default:
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
	}
	return false
}

// respondErr maps domain errors onto HTTP statuses.
func (s *Server) respondErr(c *gin.Context, err error) {
	var verr *order.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"code": "VALIDATION_ERROR", "field": verr.Field, "error": err.Error()})
	case errors.Is(err, db.ErrUnknownPriority):
		respondError(c, http.StatusBadRequest, "INVALID_PRIORITY", err.Error())
	case errors.Is(err, order.ErrValidation):
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, order.ErrNotFound), errors.Is(err, db.ErrNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, order.ErrInvariant),
		errors.Is(err, db.ErrInvalidTransition),
		errors.Is(err, db.ErrAlreadyProcessed),
		errors.Is(err, dispatch.ErrForeignEvent):
		respondError(c, http.StatusConflict, "INVARIANT_VIOLATION", err.Error())
	case errors.Is(err, exchange.ErrTransient):
		respondError(c, http.StatusServiceUnavailable, "VENUE_UNAVAILABLE", err.Error())
	default:
		s.log.Error("request failed", "path", c.Request.URL.Path, "error", err)
		respondError(c, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

// createOrder creates a root order and its protective orders.
func (s *Server) createOrder(c *gin.Context) {
	var req order.CreateOrderRequest
	if !bindJSON(c, &req) {
		return
	}
	req.Type = db.OrderType(strings.ToLower(string(req.Type)))
	req.Side = db.Side(strings.ToLower(string(req.Side)))

	ids, err := s.Controller.CreateOrder(c.Request.Context(), req)
	if err != nil {
		if len(ids) > 0 {
			s.log.Warn("order creation incomplete", "order_ids", ids, "error", err)
		}
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order_ids": ids})
}

// executeOrder submits a pending order to the venue directly, bypassing the
// dispatcher.
func (s *Server) executeOrder(c *gin.Context) {
	id := c.Param("id")
	if err := s.Engine.ExecuteOrder(c.Request.Context(), id); err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": db.OrderExecuting})
}

func (s *Server) getOrder(c *gin.Context) {
	ctx := c.Request.Context()
	o, err := s.DB.GetOrder(ctx, c.Param("id"))
	if err != nil {
		s.respondErr(c, err)
		return
	}
	view := newOrderView(o)
	if o.IsRoot() {
		children, err := s.DB.ListChildOrders(ctx, o.ID)
		if err != nil {
			s.respondErr(c, err)
			return
		}
		for _, child := range children {
			view.Children = append(view.Children, newOrderView(child))
		}
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) listOrders(c *gin.Context) {
	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	status := db.OrderStatus(strings.ToLower(q.Status))
	switch status {
	case "":
		status = db.OrderPending
	case db.OrderPending, db.OrderExecuting, db.OrderExecuted, db.OrderCanceled:
	default:
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "unknown status "+q.Status)
		return
	}

	orders, err := s.DB.ListOrdersByStatus(c.Request.Context(), status)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	out := make([]orderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, newOrderView(o))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) createManager(c *gin.Context) {
	var req createManagerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	m, err := s.Pool.Create(c.Request.Context(), req.Mode)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, newManagerView(m))
}

// getManager returns the manager with its most recent events.
func (s *Server) getManager(c *gin.Context) {
	var q listEventsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()

	ctx := c.Request.Context()
	m, err := s.Pool.Get(ctx, c.Param("id"))
	if err != nil {
		s.respondErr(c, err)
		return
	}
	evs, err := s.DB.ListEvents(ctx, m.ID(), q.Limit)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	view := newManagerView(m)
	for _, e := range evs {
		view.Events = append(view.Events, newEventView(e))
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) startManager(c *gin.Context) {
	ctx := c.Request.Context()
	m, err := s.Pool.Get(ctx, c.Param("id"))
	if err != nil {
		s.respondErr(c, err)
		return
	}
	if err := m.Start(ctx); err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, newManagerView(m))
}

// stopManager returns once the event in flight, if any, has finished.
func (s *Server) stopManager(c *gin.Context) {
	ctx := c.Request.Context()
	m, err := s.Pool.Get(ctx, c.Param("id"))
	if err != nil {
		s.respondErr(c, err)
		return
	}
	if err := m.Stop(ctx); err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, newManagerView(m))
}

func (s *Server) addEvent(c *gin.Context) {
	var req addEventRequest
	if !bindJSON(c, &req) {
		return
	}
	priority := req.Priority
	if priority == 0 {
		priority = db.PriorityMedium
	}

	ctx := c.Request.Context()
	m, err := s.Pool.Get(ctx, c.Param("id"))
	if err != nil {
		s.respondErr(c, err)
		return
	}
	id, err := m.AddEvent(ctx, db.Event{Type: req.Type, Priority: priority, Payload: req.Payload})
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id, "manager_id": m.ID(), "priority": priority.String()})
}

// requeueEvent makes a parked event eligible for dispatch again.
func (s *Server) requeueEvent(c *gin.Context) {
	ctx := c.Request.Context()
	e, err := s.DB.GetEvent(ctx, c.Param("id"))
	if err != nil {
		s.respondErr(c, err)
		return
	}
	m, err := s.Pool.Get(ctx, e.OwnerID)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	if err := m.Requeue(ctx, e.ID); err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": e.ID, "manager_id": m.ID()})
}

func (s *Server) getTracked(c *gin.Context) {
	tracked, err := s.Engine.Tracked(c.Request.Context())
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, tracked)
}

// getReconciliation returns the latest reconciliation sweep report.
func (s *Server) getReconciliation(c *gin.Context) {
	if s.Sweep == nil {
		respondError(c, http.StatusServiceUnavailable, "RECONCILIATION_UNAVAILABLE", "reconciliation not running")
		return
	}
	report := s.Sweep.Last()
	if report == nil {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "no reconciliation sweep has run yet")
		return
	}
	c.JSON(http.StatusOK, report)
}

// getMetrics returns system performance metrics.
func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not available")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}
