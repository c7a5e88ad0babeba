package symbols

import "strings"

// quoteAssets are tried longest first when a symbol carries no separator.
var quoteAssets = []string{"USDT", "USDC", "FDUSD", "BUSD", "KRW", "USD", "EUR", "BTC", "ETH"}

// Canonical converts exchange specific symbol formats to BASE-QUOTE in upper case.
// It drops swap/futures suffixes, maps XBT to BTC and strips the 1000x
// multipliers some venues put on low priced assets.
func Canonical(sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	if sym == "" {
		return ""
	}
	sym = strings.TrimSuffix(sym, "-SWAP")
	sym = strings.NewReplacer("/", "-", "_", "-").Replace(sym)

	var base, quote string
	if i := strings.IndexByte(sym, '-'); i > 0 {
		base, quote = sym[:i], sym[i+1:]
		// KRW-BTC style puts the quote first
		if br, qr := quoteRank(base), quoteRank(quote); br >= 0 && (qr < 0 || br < qr) {
			base, quote = quote, base
		}
	} else {
		base, quote = splitQuote(strings.TrimSuffix(sym, "M"))
		if quote == "" {
			return sym
		}
	}

	return normalizeBase(base) + "-" + strings.TrimSuffix(quote, "M")
}

func splitQuote(sym string) (string, string) {
	for _, q := range quoteAssets {
		if strings.HasSuffix(sym, q) && len(sym) > len(q) {
			return sym[:len(sym)-len(q)], q
		}
	}
	return sym, ""
}

func quoteRank(s string) int {
	for i, q := range quoteAssets {
		if s == q {
			return i
		}
	}
	return -1
}

func normalizeBase(base string) string {
	if base == "XBT" {
		return "BTC"
	}
	switch {
	case strings.HasPrefix(base, "1000") && len(base) > 4:
		return base[4:]
	case strings.HasSuffix(base, "1000") && len(base) > 4:
		return base[:len(base)-4]
	}
	return base
}
