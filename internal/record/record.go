// Package record models canonical records produced by the upstream
// normalization layer: a source kind tag plus an opaque JSON payload whose
// shape varies by producer.
package record

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// SourceKind tags a canonical record with the connector family that produced
// it. The set is closed; unknown kinds are a recoverable configuration error.
type SourceKind string

const (
	KindRestaurant SourceKind = "restaurant"
	KindRetail     SourceKind = "retail"
	KindService    SourceKind = "service"
)

// ParseKind validates a raw source_type string against the known kinds.
func ParseKind(s string) (SourceKind, error) {
	switch k := SourceKind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindRestaurant, KindRetail, KindService:
		return k, nil
	default:
		return "", eris.Errorf("record: unknown source kind %q", s)
	}
}

// kindSchema lists, per source kind, which payload keys may carry the
// amount-like value and the item category, in priority order.
type kindSchema struct {
	amountKeys []string
	itemKeys   []string
}

var schemas = map[SourceKind]kindSchema{
	KindRestaurant: {
		amountKeys: []string{"amount", "total", "price"},
		itemKeys:   []string{"item", "name"},
	},
	KindRetail: {
		amountKeys: []string{"amount", "sales", "price", "total"},
		itemKeys:   []string{"product", "product_name", "name"},
	},
	KindService: {
		amountKeys: []string{"value", "amount", "total"},
		itemKeys:   []string{"name", "service"},
	},
}

// genericSchema is the fallback priority used when a kind-specific key is
// absent from the payload.
var genericSchema = kindSchema{
	amountKeys: []string{"amount", "sales", "value", "total", "price"},
	itemKeys:   []string{"item", "product", "product_name", "name"},
}

// Canonical is one normalized record as stored in processed_data.
type Canonical struct {
	ID        int64
	Kind      SourceKind
	Payload   map[string]any
	CreatedAt time.Time
}

// Amount returns the record's amount-like numeric value, trying the kind's
// own keys first and the generic priority second. The second return is false
// when no key is present or the value cannot be coerced.
func (c Canonical) Amount() (float64, bool) {
	for _, keys := range [][]string{schemas[c.Kind].amountKeys, genericSchema.amountKeys} {
		for _, key := range keys {
			if raw, ok := c.Payload[key]; ok {
				if f, ok := ToFloat(raw); ok {
					return f, true
				}
			}
		}
	}
	return 0, false
}

// Item returns the record's item category, or false when absent.
func (c Canonical) Item() (string, bool) {
	for _, keys := range [][]string{schemas[c.Kind].itemKeys, genericSchema.itemKeys} {
		for _, key := range keys {
			if raw, ok := c.Payload[key]; ok {
				s := strings.TrimSpace(toString(raw))
				if s != "" {
					return s, true
				}
			}
		}
	}
	return "", false
}

// ToFloat coerces payload values to float64, tolerating numeric strings with
// thousands separators and currency prefixes. Producers vary by source type,
// so payload numbers arrive as float64, int, or string.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		cleaned := strings.ReplaceAll(strings.TrimSpace(n), ",", "")
		cleaned = strings.TrimPrefix(cleaned, "$")
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
