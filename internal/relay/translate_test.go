package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "renames params and rewrites symbol",
			in:   `{"method":"sub.depth","params":{"symbol":"BTC-USDT","limit":20}}`,
			want: `{"method":"sub.depth","param":{"limit":20,"symbol":"BTC_USDT"}}`,
		},
		{
			name: "array params",
			in:   `{"method":"sub.deal","params":["BTC-USDT","ETH_USDT",7]}`,
			want: `{"method":"sub.deal","param":["BTC_USDT","ETH_USDT",7]}`,
		},
		{
			name: "existing param wins over params",
			in:   `{"method":"sub.deal","param":{"symbol":"SOL-USDT"},"params":{"symbol":"X-Y"}}`,
			want: `{"method":"sub.deal","param":{"symbol":"SOL_USDT"},"params":{"symbol":"X-Y"}}`,
		},
		{
			name: "param without dashes is untouched",
			in:   `{"method":"sub.deal","param":{"symbol":"BTC_USDT"}}`,
			want: `{"method":"sub.deal","param":{"symbol":"BTC_USDT"}}`,
		},
		{
			name: "params without symbol still renamed",
			in:   `{"method":"sub.tickers","params":{}}`,
			want: `{"method":"sub.tickers","param":{}}`,
		},
		{
			name: "only param is rewritten",
			in:   `{"method":"sub-deal","symbol":"BTC-USDT"}`,
			want: `{"method":"sub-deal","symbol":"BTC-USDT"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.JSONEq(t, tt.want, string(Translate([]byte(tt.in))))
		})
	}
}

func TestTranslate_NonJSONPassesThrough(t *testing.T) {
	for _, in := range []string{"ping", "", "[1,2]", `"BTC-USDT"`, `{"params":`} {
		assert.Equal(t, in, string(Translate([]byte(in))))
	}
}

func TestTranslate_UnchangedObjectKeepsBytes(t *testing.T) {
	in := `{ "method" : "ping" }`
	assert.Equal(t, in, string(Translate([]byte(in))))
}
