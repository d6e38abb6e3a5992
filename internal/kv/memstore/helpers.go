package memstore

import (
	"fmt"
	"math"
	"strconv"
)

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

// parseRangeBound parses a Redis-style ZRANGEBYSCORE bound: "-inf",
// "+inf", or a plain float.
func parseRangeBound(s string) float64 {
	switch s {
	case "-inf":
		return math.Inf(-1)
	case "+inf", "inf":
		return math.Inf(1)
	default:
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
}
