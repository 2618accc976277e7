// Package gateway builds the venue gateway selected by configuration.
package gateway

import (
	"fmt"

	"orderflow/pkg/config"
	exalpaca "orderflow/pkg/exchanges/alpaca"
	exspot "orderflow/pkg/exchanges/binance/spot"
	exchange "orderflow/pkg/exchanges/common"
	"orderflow/pkg/exchanges/paper"
)

// New creates the gateway for cfg.Venue, paced by the configured rate limit.
func New(cfg *config.Config) (exchange.Gateway, error) {
	var gw exchange.Gateway
	switch cfg.Venue {
	case config.VenuePaper:
		gw = paper.New(paper.Config{
			FillAfterPolls: cfg.PaperFillAfterPolls,
			LatencyMin:     cfg.PaperLatencyMin,
			LatencyMax:     cfg.PaperLatencyMax,
		})

	case config.VenueBinance:
		gw = exspot.New(exspot.Config{
			APIKey:    cfg.BinanceAPIKey,
			APISecret: cfg.BinanceAPISecret,
			Testnet:   cfg.BinanceTestnet,
		})

	case config.VenueAlpaca:
		gw = exalpaca.New(exalpaca.Config{
			APIKey:    cfg.AlpacaAPIKey,
			APISecret: cfg.AlpacaAPISecret,
			Paper:     cfg.AlpacaPaper,
			BaseURL:   cfg.AlpacaBaseURL,
		})

	default:
		return nil, fmt.Errorf("unsupported venue: %s", cfg.Venue)
	}
	return exchange.WithRateLimit(gw, cfg.GatewayRPS, cfg.GatewayBurst), nil
}
