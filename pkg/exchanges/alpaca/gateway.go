// Package alpaca adapts the Alpaca trading API to the common gateway interface.
package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"orderflow/pkg/exchanges/common"
)

const venue = "alpaca"

const paperURL = "https://paper-api.alpaca.markets"

// Config holds Alpaca credentials.
type Config struct {
	APIKey    string
	APISecret string
	Paper     bool
	BaseURL   string
}

// Client is an Alpaca gateway.
type Client struct {
	api *alpaca.Client
}

func New(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" && cfg.Paper {
		base = paperURL
	}
	return &Client{api: alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   base,
	})}
}

func (c *Client) Name() string { return venue }

// SubmitOrder places an equity order. Stop-loss children become stop orders
// and take-profit children become limit orders at the target.
func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return common.OrderResult{}, err
	}
	if cat := strings.ToLower(req.Category); cat != "" && cat != "spot" && cat != "equity" {
		return common.OrderResult{}, fmt.Errorf("%s: category %q: %w", venue, req.Category, common.ErrUnsupported)
	}
	place, err := toPlaceOrder(req)
	if err != nil {
		return common.OrderResult{}, err
	}
	o, err := c.api.PlaceOrder(place)
	if err != nil {
		return common.OrderResult{}, classify("place order", err)
	}
	return common.OrderResult{
		ExchangeOrderID: o.ID,
		Status:          mapStatus(o.Status),
		ClientID:        o.ClientOrderID,
	}, nil
}

func (c *Client) FetchStatus(ctx context.Context, q common.StatusQuery) (common.OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return common.StatusUnknown, err
	}
	var (
		o   *alpaca.Order
		err error
	)
	switch {
	case q.ExchangeOrderID != "":
		o, err = c.api.GetOrder(q.ExchangeOrderID)
	case q.ClientID != "":
		o, err = c.api.GetOrderByClientOrderID(q.ClientID)
	default:
		return common.StatusUnknown, fmt.Errorf("%s: status query needs an order id", venue)
	}
	if err != nil {
		return common.StatusUnknown, classify("get order", err)
	}
	return mapStatus(o.Status), nil
}

func toPlaceOrder(req common.OrderRequest) (alpaca.PlaceOrderRequest, error) {
	qty := req.Qty
	out := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		ClientOrderID: req.ClientID,
		TimeInForce:   alpaca.GTC,
	}
	if req.TimeInForce == common.TIFDay {
		out.TimeInForce = alpaca.Day
	}

	switch req.Side {
	case common.SideBuy:
		out.Side = alpaca.Buy
	case common.SideSell:
		out.Side = alpaca.Sell
	default:
		return out, fmt.Errorf("%s: invalid side %q", venue, req.Side)
	}

	price := req.Price
	needsPrice := true
	switch req.Type {
	case common.OrderTypeMarket:
		out.Type = alpaca.Market
		needsPrice = false
	case common.OrderTypeLimit, common.OrderTypeTakeProfit, "":
		out.Type = alpaca.Limit
		out.LimitPrice = &price
	case common.OrderTypeStopLoss:
		out.Type = alpaca.Stop
		out.StopPrice = &price
	default:
		return out, fmt.Errorf("%s: order type %q: %w", venue, req.Type, common.ErrUnsupported)
	}
	if needsPrice && !price.GreaterThan(decimal.Zero) {
		return out, fmt.Errorf("%s: %s order requires a price", venue, req.Type)
	}
	return out, nil
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToLower(s) {
	case "new", "accepted", "pending_new", "accepted_for_bidding", "held", "calculated", "pending_cancel", "pending_replace", "replaced", "stopped", "suspended":
		return common.StatusNew
	case "partially_filled":
		return common.StatusPartial
	case "filled":
		return common.StatusFilled
	case "canceled", "done_for_day":
		return common.StatusCanceled
	case "rejected":
		return common.StatusRejected
	case "expired":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

func classify(op string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError {
			return common.Transient(venue, fmt.Errorf("%s: %w", op, err))
		}
		return fmt.Errorf("%s %s: %w", venue, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s %s: %w", venue, op, err)
	}
	return common.Transient(venue, fmt.Errorf("%s: %w", op, err))
}
