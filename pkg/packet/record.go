// Package packet defines the attribute record produced for each captured packet.
package packet

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Attribute names carried by a Record.
const (
	Length            = "length"
	Time              = "time"
	SrcIP             = "src_ip"
	DstIP             = "dst_ip"
	TTL               = "ttl"
	Proto             = "proto"
	SrcPort           = "src_port"
	DstPort           = "dst_port"
	TCPFlags          = "tcp_flags"
	TransportProtocol = "transport_protocol"

	// Label is not a packet attribute; record sources that know the ground
	// truth may attach it.
	Label = "label"
)

// Missing is the value substituted for absent attributes.
const Missing = -1

// Attributes lists the packet attributes in their canonical order.
func Attributes() []string {
	return []string{
		Length, Time, SrcIP, DstIP, TTL, Proto,
		SrcPort, DstPort, TCPFlags, TransportProtocol,
	}
}

// ErrMissing is returned by accessors when the attribute is absent or NaN.
var ErrMissing = errors.New("attribute missing")

// Record is one packet's named attributes.
type Record map[string]any

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Has reports whether name is present with a value. Nil and NaN values,
// including text that parses as NaN, count as absent.
func (r Record) Has(name string) bool {
	v, ok := r[name]
	return ok && !missing(v)
}

func missing(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case float64:
		return math.IsNaN(x)
	case float32:
		return math.IsNaN(float64(x))
	case json.Number:
		f, err := x.Float64()
		return err == nil && math.IsNaN(f)
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return err == nil && math.IsNaN(f)
	default:
		return false
	}
}

// Float returns the attribute as a float64. Strings are parsed.
func (r Record) Float(name string) (float64, error) {
	v, ok := r[name]
	if !ok || missing(v) {
		return 0, fmt.Errorf("%s: %w", name, ErrMissing)
	}

	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%s: unsupported value type %T", name, v)
	}
}

// String returns the attribute formatted as text. Whole floats are printed
// without a fractional part so that 6 and 6.0 encode to the same category.
func (r Record) String(name string) (string, bool) {
	v, ok := r[name]
	if !ok || missing(v) {
		return "", false
	}

	switch x := v.(type) {
	case string:
		return x, true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	default:
		return fmt.Sprint(x), true
	}
}
