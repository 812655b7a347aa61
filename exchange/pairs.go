// Package exchange provides the offline candle feed and trading pair
// helpers shared by the exchange clients.
package exchange

// Known quote currencies, longest match wins
var quotes = []string{
	"USDT",
	"USDC",
	"BUSD",
	"BTC",
	"BNB",
	"ETH",
	"EUR",
	"TRY",
	"AUD",
	"BRL",
	"GBP",
	"USD",
	"NGN",
}

// SplitAssetQuote splits a trading pair symbol into base asset and quote
// currency by matching known quote suffixes. Unknown quotes fall back to an
// even split.
func SplitAssetQuote(pair string) (asset, quote string) {
	for _, q := range quotes {
		if len(pair) > len(q) && pair[len(pair)-len(q):] == q {
			return pair[:len(pair)-len(q)], q
		}
	}
	return pair[:len(pair)/2], pair[len(pair)/2:]
}
