// Package spot adapts Binance spot trading to the common gateway interface.
package spot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2"
	bncommon "github.com/adshao/go-binance/v2/common"

	"orderflow/pkg/exchanges/common"
)

const venue = "binance-spot"

// Config holds Binance credentials.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
	// BaseURL overrides the REST endpoint (tests, regional mirrors).
	BaseURL string
}

// Client is a Binance spot gateway.
type Client struct {
	api *binance.Client
}

// New builds a gateway. Testnet is a process-wide switch in go-binance, so
// it must be decided before the first client is created.
func New(cfg Config) *Client {
	if cfg.Testnet {
		binance.UseTestnet = true
	}
	api := binance.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.BaseURL != "" {
		api.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &Client{api: api}
}

func (c *Client) Name() string { return venue }

func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if cat := strings.ToLower(req.Category); cat != "" && cat != "spot" {
		return common.OrderResult{}, fmt.Errorf("%s: category %q: %w", venue, req.Category, common.ErrUnsupported)
	}
	side, err := toBinanceSide(req.Side)
	if err != nil {
		return common.OrderResult{}, err
	}
	ordType, err := toBinanceType(req.Type)
	if err != nil {
		return common.OrderResult{}, err
	}

	svc := c.api.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Type(ordType).
		Quantity(req.Qty.String())
	if req.ClientID != "" {
		svc.NewClientOrderID(req.ClientID)
	}

	if ordType != binance.OrderTypeMarket {
		if !req.Price.IsPositive() {
			return common.OrderResult{}, fmt.Errorf("%s: %s order requires a price", venue, req.Type)
		}
		svc.Price(req.Price.String()).TimeInForce(toBinanceTIF(req.TimeInForce))
		if ordType == binance.OrderTypeStopLossLimit || ordType == binance.OrderTypeTakeProfitLimit {
			svc.StopPrice(req.Price.String())
		}
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return common.OrderResult{}, classify("submit order", err)
	}
	return common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:          mapStatus(string(resp.Status)),
		ClientID:        resp.ClientOrderID,
	}, nil
}

func (c *Client) FetchStatus(ctx context.Context, q common.StatusQuery) (common.OrderStatus, error) {
	svc := c.api.NewGetOrderService().Symbol(q.Symbol)
	switch {
	case q.ExchangeOrderID != "":
		id, err := strconv.ParseInt(q.ExchangeOrderID, 10, 64)
		if err != nil {
			return common.StatusUnknown, fmt.Errorf("%s: invalid order id %q: %w", venue, q.ExchangeOrderID, err)
		}
		svc.OrderID(id)
	case q.ClientID != "":
		svc.OrigClientOrderID(q.ClientID)
	default:
		return common.StatusUnknown, fmt.Errorf("%s: status query needs an order id", venue)
	}

	o, err := svc.Do(ctx)
	if err != nil {
		return common.StatusUnknown, classify("get order", err)
	}
	return mapStatus(string(o.Status)), nil
}

func toBinanceSide(s common.Side) (binance.SideType, error) {
	switch s {
	case common.SideBuy:
		return binance.SideTypeBuy, nil
	case common.SideSell:
		return binance.SideTypeSell, nil
	}
	return "", fmt.Errorf("%s: invalid side %q", venue, s)
}

// Protective orders rest as *_LIMIT orders triggered and priced at the target.
func toBinanceType(t common.OrderType) (binance.OrderType, error) {
	switch t {
	case common.OrderTypeMarket:
		return binance.OrderTypeMarket, nil
	case common.OrderTypeLimit, "":
		return binance.OrderTypeLimit, nil
	case common.OrderTypeStopLoss:
		return binance.OrderTypeStopLossLimit, nil
	case common.OrderTypeTakeProfit:
		return binance.OrderTypeTakeProfitLimit, nil
	}
	return "", fmt.Errorf("%s: order type %q: %w", venue, t, common.ErrUnsupported)
}

func toBinanceTIF(tif common.TimeInForce) binance.TimeInForceType {
	if tif == common.TIFIOC {
		return binance.TimeInForceTypeIOC
	}
	return binance.TimeInForceTypeGTC
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW", "PENDING_NEW", "PENDING_CANCEL":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

// transientCodes are Binance error codes for server, connectivity and
// throttling failures.
var transientCodes = map[int64]bool{
	-1000: true, // UNKNOWN
	-1001: true, // DISCONNECTED
	-1003: true, // TOO_MANY_REQUESTS
	-1006: true, // UNEXPECTED_RESP
	-1007: true, // TIMEOUT
	-1008: true, // SERVER_BUSY
	-1015: true, // TOO_MANY_ORDERS
}

func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s %s: %w", venue, op, err)
	}
	var apiErr *bncommon.APIError
	if errors.As(err, &apiErr) {
		if transientCodes[apiErr.Code] {
			return common.Transient(venue, fmt.Errorf("%s: %w", op, err))
		}
		return fmt.Errorf("%s %s: %w", venue, op, err)
	}
	// Anything that never produced an API response is a transport failure.
	return common.Transient(venue, fmt.Errorf("%s: %w", op, err))
}
