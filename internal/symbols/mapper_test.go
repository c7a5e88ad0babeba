package symbols

import "testing"

func TestCanonical(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"XBT-USDTM", "BTC-USDT"},
		{"XBTUSDTM", "BTC-USDT"},
		{"BTC-USD", "BTC-USD"},
		{"btc/krw", "BTC-KRW"},
		{"KRW-BTC", "BTC-KRW"},
		{"BTC_KRW", "BTC-KRW"},
		{"ETHUSDT", "ETH-USDT"},
		{"BTC-USDT-SWAP", "BTC-USDT"},
		{"1000BONKUSDT", "BONK-USDT"},
		{"1000PEPEUSDT", "PEPE-USDT"},
		{"SHIB1000USDT", "SHIB-USDT"},
		{"ETHBTC", "ETH-BTC"},
		{"UNKNOWN", "UNKNOWN"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Canonical(tt.in); got != tt.want {
			t.Errorf("Canonical(%s)=%s want %s", tt.in, got, tt.want)
		}
	}
}
