// Package row defines Row, an ordered collection of typed cell values which
// is destined for a single database relation. Rows are the unit of work of
// the gateway, pending, and snapshot packages.
//
// Each Value carries a DataType tag and a string-encoded payload. The payload
// encoding is deliberately loose: rows are produced by callers who know their
// schema, and it's the database which ultimately validates them. Validate
// checks only that payloads are parse-able as their declared DataType.
package row

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// DataType tags the type of a Value.
type DataType int

const (
	BooleanType DataType = iota
	IntegerType
	VarcharType
	TextType
	DateType
)

// DateLayout is the layout of Date payloads built by row.Date.
const DateLayout = "2006-01-02 15:04:05"

var dataTypeNames = [...]string{
	BooleanType: "BOOLEAN",
	IntegerType: "INTEGER",
	VarcharType: "VARCHAR",
	TextType:    "TEXT",
	DateType:    "DATE",
}

func (t DataType) String() string {
	if t < 0 || int(t) >= len(dataTypeNames) {
		return "DataType(" + strconv.Itoa(int(t)) + ")"
	}
	return dataTypeNames[t]
}

// Validate returns an error if the DataType is not one of the known types.
func (t DataType) Validate() error {
	if t < 0 || int(t) >= len(dataTypeNames) {
		return errors.Errorf("unknown DataType (%d)", int(t))
	}
	return nil
}

// ParseDataType returns the DataType having the given name.
func ParseDataType(name string) (DataType, error) {
	for t, n := range dataTypeNames {
		if n == name {
			return DataType(t), nil
		}
	}
	return 0, errors.Errorf("unknown DataType %q", name)
}

// MarshalText encodes the DataType by name.
func (t DataType) MarshalText() ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return []byte(t.String()), nil
}

// UnmarshalText decodes a DataType name.
func (t *DataType) UnmarshalText(b []byte) (err error) {
	*t, err = ParseDataType(string(b))
	return err
}

// Value is a single typed cell of a Row.
type Value struct {
	Type DataType `json:"type" yaml:"type"`
	Data string   `json:"data" yaml:"data"`
}

// Validate returns an error if the Value's Data cannot be interpreted as its Type.
func (v Value) Validate() error {
	if err := v.Type.Validate(); err != nil {
		return err
	}
	switch v.Type {
	case BooleanType:
		if _, err := ParseBool(v.Data); err != nil {
			return err
		}
	case IntegerType:
		if _, err := strconv.ParseInt(v.Data, 10, 64); err != nil {
			return errors.WithMessage(err, "INTEGER")
		}
	}
	return nil
}

// ParseBool parses a BOOLEAN payload. In addition to the forms accepted by
// strconv.ParseBool, "yes" and "no" are understood.
func ParseBool(s string) (bool, error) {
	switch s {
	case "yes", "YES":
		return true, nil
	case "no", "NO":
		return false, nil
	}
	var b, err = strconv.ParseBool(s)
	if err != nil {
		return false, errors.Errorf("invalid BOOLEAN %q", s)
	}
	return b, nil
}

// Row is an ordered collection of Values. Rows are treated as immutable once
// built: Values is exported for encoding, but must not be modified once the
// Row has been handed to a gateway or queue.
type Row struct {
	Values []Value
}

// New returns a Row of the given Values.
func New(values ...Value) Row {
	return Row{Values: append([]Value(nil), values...)}
}

// Len is the number of Values of the Row.
func (r Row) Len() int { return len(r.Values) }

// Validate each Value of the Row.
func (r Row) Validate() error {
	for i, v := range r.Values {
		if err := v.Validate(); err != nil {
			return errors.WithMessagef(err, "Values[%d]", i)
		}
	}
	return nil
}

// Equal returns whether Rows |r| and |o| have identical Values.
func (r Row) Equal(o Row) bool {
	if len(r.Values) != len(o.Values) {
		return false
	}
	for i := range r.Values {
		if r.Values[i] != o.Values[i] {
			return false
		}
	}
	return true
}

// Bool returns a BOOLEAN Value.
func Bool(b bool) Value { return Value{Type: BooleanType, Data: strconv.FormatBool(b)} }

// Int returns an INTEGER Value.
func Int(i int64) Value { return Value{Type: IntegerType, Data: strconv.FormatInt(i, 10)} }

// Varchar returns a VARCHAR Value.
func Varchar(s string) Value { return Value{Type: VarcharType, Data: s} }

// Text returns a TEXT Value.
func Text(s string) Value { return Value{Type: TextType, Data: s} }

// Date returns a DATE Value of |t| formatted per DateLayout.
func Date(t time.Time) Value { return Value{Type: DateType, Data: t.Format(DateLayout)} }
