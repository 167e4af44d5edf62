package monetdb

import (
	"fmt"
	"strconv"

	"github.com/monetgate/monetgate/mapi"
)

// Type identifies the payload carried by a Value.
type Type int

const (
	TypeInt Type = iota
	TypeDouble
	TypeText
)

func (t Type) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeDouble:
		return "double"
	case TypeText:
		return "text"
	default:
		return "unknown"
	}
}

// Value is one column payload of a result row: a tagged variant over the
// column types the client understands. Integer columns of any width share
// the Int field.
type Value struct {
	Type   Type
	Int    int64
	Double float32
	Text   string
}

// intBits maps the server's integer type tags to their wire width, used as
// the ParseInt bit size so out-of-range fields fail instead of wrapping.
var intBits = map[string]int{
	"tinyint":  8,
	"smallint": 16,
	"int":      32,
	"bigint":   64,
}

// ParseValue decodes a textual field according to the server's column type
// tag. Tags outside the supported set are reported as unimplemented so new
// tags surface loudly instead of silently corrupting rows.
func ParseValue(tag, text string) (Value, error) {
	if bits, ok := intBits[tag]; ok {
		n, err := strconv.ParseInt(text, 10, bits)
		if err != nil {
			return Value{}, fmt.Errorf("parsing %s field %q: %w", tag, text, err)
		}
		return Value{Type: TypeInt, Int: n}, nil
	}

	switch tag {
	case "double":
		f, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return Value{}, fmt.Errorf("parsing double field %q: %w", text, err)
		}
		return Value{Type: TypeDouble, Double: float32(f)}, nil
	case "string", "clob":
		return Value{Type: TypeText, Text: text}, nil
	default:
		return Value{}, &mapi.Error{Kind: mapi.KindUnimplemented, Msg: fmt.Sprintf("unsupported column type %q", tag)}
	}
}

// Row is one tuple of a query result. Its length equals the column count.
type Row []Value
