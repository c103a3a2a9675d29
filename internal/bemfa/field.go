package bemfa

import (
	"math"
	"strconv"
	"strings"
)

// Message tokens carried in field 0 of every message
const (
	MsgOn    = "on"
	MsgOff   = "off"
	MsgPause = "pause"
)

// Separator joins the positional fields of a message
const Separator = "#"

// Field is one positional value of a bemfa message.
// The zero value is an absent field: it renders as an empty string and is
// trimmed when it trails the message.
type Field struct {
	text    string
	present bool
}

// Absent is the field used when a position does not apply to the current state
var Absent = Field{}

// Token returns a present field holding a literal token such as "on"
func Token(s string) Field {
	return Field{text: s, present: true}
}

// Int returns a present integer field
func Int(n int) Field {
	return Field{text: strconv.Itoa(n), present: true}
}

// Number returns a present numeric field in its shortest decimal form
func Number(v float64) Field {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return Int(int(v))
	}
	return Field{text: strconv.FormatFloat(v, 'f', -1, 64), present: true}
}

// Present reports whether the field carries a value
func (f Field) Present() bool {
	return f.present
}

// String returns the wire form of the field
func (f Field) String() string {
	return f.text
}

// Float parses the field as a number
func (f Field) Float() (float64, bool) {
	if !f.present {
		return 0, false
	}
	v, err := strconv.ParseFloat(f.text, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Int parses the field as a number rounded to the nearest integer.
// Values outside the int range saturate at its bounds.
func (f Field) Int() (int, bool) {
	v, ok := f.Float()
	if !ok {
		return 0, false
	}
	v = math.Round(v)
	switch {
	case v >= math.MaxInt:
		return math.MaxInt, true
	case v <= math.MinInt:
		return math.MinInt, true
	}
	return int(v), true
}

// Join renders fields as a wire message
func Join(fields []Field) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f.text
	}
	return strings.Join(parts, Separator)
}

// Strings returns the wire form of every field
func Strings(fields []Field) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.text
	}
	return out
}

// trimTrailing drops absent fields from the tail, keeping at least one field
func trimTrailing(fields []Field) []Field {
	n := len(fields)
	for n > 1 && !fields[n-1].present {
		n--
	}
	return fields[:n]
}

// parseNumber parses an inbound numeric field. Non-finite values are rejected.
func parseNumber(s string) (Field, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return Int(n), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Absent, err
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return Absent, &strconv.NumError{Func: "ParseFloat", Num: s, Err: strconv.ErrSyntax}
	}
	return Number(v), nil
}
