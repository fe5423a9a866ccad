package exchanges

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/linluma/feedwatch/shared/models"
)

// Name identifies a supported exchange
type Name string

// Supported exchanges
const (
	Binance  Name = "binance"
	OKX      Name = "okx"
	Bybit    Name = "bybit"
	Coinbase Name = "coinbase"
)

// Public market data endpoints
const (
	binanceURL  = "wss://stream.binance.com:9443/ws/%s@trade"
	okxURL      = "wss://ws.okx.com:8443/ws/v5/public"
	bybitURL    = "wss://stream.bybit.com/v5/public/linear"
	coinbaseURL = "wss://ws-feed.exchange.coinbase.com"
)

// Names returns every supported exchange
func Names() []Name {
	return []Name{Binance, OKX, Bybit, Coinbase}
}

type opRequest struct {
	Op   string `json:"op"`
	Args []any  `json:"args"`
}

type okxArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type coinbaseRequest struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// ToExchangeSymbol converts a canonical BASE-QUOTE pair to the exchange's format
func ToExchangeSymbol(name Name, pair string) (string, error) {
	if err := validatePair(pair); err != nil {
		return "", err
	}

	switch name {
	case Binance:
		// Binance stream names are lowercase without a hyphen
		return strings.ToLower(strings.ReplaceAll(pair, "-", "")), nil
	case Bybit:
		return strings.ReplaceAll(pair, "-", ""), nil
	case OKX, Coinbase:
		return pair, nil
	default:
		return "", fmt.Errorf("unsupported exchange %q", name)
	}
}

// FromExchangeSymbol converts an exchange symbol back to BASE-QUOTE. quote
// is needed for exchanges that drop the separator.
func FromExchangeSymbol(name Name, symbol, quote string) (string, error) {
	symbol = strings.ToUpper(symbol)
	quote = strings.ToUpper(quote)

	switch name {
	case Binance, Bybit:
		base, found := strings.CutSuffix(symbol, quote)
		if !found || base == "" {
			return "", fmt.Errorf("exchange symbol %s does not end in %s", symbol, quote)
		}
		return base + "-" + quote, nil
	case OKX, Coinbase:
		if err := validatePair(symbol); err != nil {
			return "", err
		}
		return symbol, nil
	default:
		return "", fmt.Errorf("unsupported exchange %q", name)
	}
}

// Preset returns the public trade feed for pair on the named exchange.
// The feed id is the exchange name.
func Preset(name Name, pair string) (models.Feed, error) {
	pair = strings.ToUpper(strings.TrimSpace(pair))
	symbol, err := ToExchangeSymbol(name, pair)
	if err != nil {
		return models.Feed{}, err
	}

	feed := models.Feed{ID: models.FeedID(name)}

	var request any
	switch name {
	case Binance:
		feed.URL = fmt.Sprintf(binanceURL, symbol)
	case OKX:
		feed.URL = okxURL
		request = opRequest{Op: "subscribe", Args: []any{okxArg{Channel: "tickers", InstID: symbol}}}
	case Bybit:
		feed.URL = bybitURL
		request = opRequest{Op: "subscribe", Args: []any{"publicTrade." + symbol}}
	case Coinbase:
		feed.URL = coinbaseURL
		request = coinbaseRequest{Type: "subscribe", ProductIDs: []string{symbol}, Channels: []string{"matches"}}
	}

	if request != nil {
		data, err := json.Marshal(request)
		if err != nil {
			return models.Feed{}, fmt.Errorf("failed to encode %s subscription: %w", name, err)
		}
		feed.Subscribe = string(data)
	}
	return feed, nil
}

// MustPreset is Preset for known-good arguments. It panics on error.
func MustPreset(name Name, pair string) models.Feed {
	feed, err := Preset(name, pair)
	if err != nil {
		panic(err)
	}
	return feed
}

func validatePair(pair string) error {
	base, quote, found := strings.Cut(pair, "-")
	if !found || base == "" || quote == "" || strings.Contains(quote, "-") {
		return fmt.Errorf("invalid pair %q: expected BASE-QUOTE", pair)
	}
	return nil
}
