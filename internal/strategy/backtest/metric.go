package backtest

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

// Metric is a statistic that may be undefined. Undefined values encode as
// JSON null so that NaN or Inf never leave this package.
type Metric struct {
	Value   float64
	Defined bool
	Reason  string
}

// Value builds a defined metric. Non-finite input yields an undefined one.
func Value(v float64) Metric {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Undefined("non-finite result")
	}
	return Metric{Value: v, Defined: true}
}

// Undefined builds an undefined metric with the reason it could not be computed
func Undefined(reason string) Metric {
	return Metric{Reason: reason}
}

// Or returns the value, or def when undefined
func (m Metric) Or(def float64) float64 {
	if !m.Defined {
		return def
	}
	return m.Value
}

// String formats the metric for logs and reports
func (m Metric) String() string {
	if !m.Defined {
		return "n/a"
	}
	return strconv.FormatFloat(m.Value, 'f', 4, 64)
}

// MarshalJSON implements json.Marshaler
func (m Metric) MarshalJSON() ([]byte, error) {
	if !m.Defined {
		return []byte("null"), nil
	}
	return json.Marshal(m.Value)
}

// UnmarshalJSON implements json.Unmarshaler
func (m *Metric) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*m = Undefined("")
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*m = Value(v)
	return nil
}
