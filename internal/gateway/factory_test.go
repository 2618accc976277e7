package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/pkg/config"
	exchange "orderflow/pkg/exchanges/common"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Config
		venue   string
		limited bool
		wantErr bool
	}{
		{name: "paper unlimited", cfg: config.Config{Venue: config.VenuePaper}, venue: "paper"},
		{name: "paper limited", cfg: config.Config{Venue: config.VenuePaper, GatewayRPS: 5, GatewayBurst: 2}, venue: "paper", limited: true},
		{name: "binance", cfg: config.Config{Venue: config.VenueBinance, BinanceAPIKey: "k", BinanceAPISecret: "s"}, venue: "binance-spot"},
		{name: "alpaca", cfg: config.Config{Venue: config.VenueAlpaca, AlpacaAPIKey: "k", AlpacaAPISecret: "s", AlpacaPaper: true}, venue: "alpaca"},
		{name: "unknown", cfg: config.Config{Venue: "bybit"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, err := New(&tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.venue, gw.Name())
			_, limited := gw.(*exchange.RateLimited)
			assert.Equal(t, tt.limited, limited)
		})
	}
}
