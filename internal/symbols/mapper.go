package symbols

import "strings"

// ToNative converts a unified BASE/QUOTE symbol into the exchange specific
// wire format. Examples:
//
//	binance: BTC/USDT -> BTCUSDT
//	bybit:   BTC/USDT -> BTCUSDT
//	kucoin:  BTC/USDT -> BTC-USDT
//
// Unknown exchanges get the separator stripped, which matches the majority of
// venues.
func ToNative(exchange, sym string) string {
	base, quote, ok := strings.Cut(sym, "/")
	if !ok {
		return sym
	}
	switch strings.ToLower(exchange) {
	case "kucoin":
		return base + "-" + quote
	default:
		return base + quote
	}
}

// ToUnified converts an exchange specific symbol back to BASE/QUOTE form.
// KuCoin uses dash separators and XBT for BTC; venues without a separator are
// split against a small set of known quote currencies.
func ToUnified(exchange, sym string) string {
	switch strings.ToLower(exchange) {
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "/")
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
		return sym
	default:
		return splitOnQuote(sym)
	}
}

// quoteCurrencies is ordered longest-first so USDT wins over USD.
var quoteCurrencies = []string{"USDT", "USDC", "BUSD", "TUSD", "USD", "BTC", "ETH", "BNB", "EUR"}

func splitOnQuote(sym string) string {
	if strings.Contains(sym, "/") {
		return sym
	}
	upper := strings.ToUpper(sym)
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(upper, quote) && len(upper) > len(quote) {
			return upper[:len(upper)-len(quote)] + "/" + quote
		}
	}
	return sym
}
