package forensics

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ParseValue normalizes a monetary field to a non-negative float.
// Text keeps only digits, '.' and '-', so "$1,234.50" and "USD 1234.5"
// both read as 1234.5. Negative and unparsable amounts are 0.
func ParseValue(v any) float64 {
	return max(rawValue(v), 0)
}

func rawValue(v any) float64 {
	switch x := v.(type) {
	case nil:
		return 0
	case float64:
		return finite(x)
	case float32:
		return finite(float64(x))
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case json.Number:
		return parseAmountText(x.String())
	case decimal.Decimal:
		f, _ := x.Float64()
		return finite(f)
	case string:
		return parseAmountText(x)
	case []byte:
		return parseAmountText(string(x))
	case bool:
		return 0
	default:
		return parseAmountText(fmt.Sprint(x))
	}
}

func parseAmountText(s string) float64 {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return 0
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return finite(f)
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// IsRoundAmount reports whether v is a positive exact multiple of 100.
// Multiples of 1000 are covered by the same test.
func IsRoundAmount(v float64) bool {
	if v <= 0 {
		return false
	}
	return decimal.NewFromFloat(v).Mod(hundred).IsZero()
}
