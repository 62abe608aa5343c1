package exchange

import "futures-agent/internal/config"

// Endpoints holds the REST and websocket base URLs for one Binance
// USDT-M futures environment. The paper environment is the official
// futures testnet, which speaks the same API with separate credentials.
type Endpoints struct {
	REST string
	WS   string
}

var (
	paperEndpoints = Endpoints{
		REST: "https://testnet.binancefuture.com",
		WS:   "wss://stream.binancefuture.com",
	}
	liveEndpoints = Endpoints{
		REST: "https://fapi.binance.com",
		WS:   "wss://fstream.binance.com",
	}
)

// EndpointsFor returns the endpoint set for the given environment.
// Anything that is not explicitly live resolves to the testnet.
func EndpointsFor(env string) Endpoints {
	if env == config.EnvLive {
		return liveEndpoints
	}
	return paperEndpoints
}
