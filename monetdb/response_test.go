package monetdb

import (
	"errors"
	"testing"

	"github.com/monetgate/monetgate/mapi"
)

func TestParseQueryResponse(t *testing.T) {
	resp := "&1 0 2 2 2 1443 1918 479 178\n" +
		"% sys.foo4,\tsys.foo4 # table_name\n" +
		"% i,\tx # name\n" +
		"% int,\tclob # type\n" +
		"% 1,\t3 # length\n" +
		"[ 1,\t\"foo\"\t]\n" +
		"[ 2,\t\"bar\"\t]"

	qr, err := ParseQueryResponse(resp)
	if err != nil {
		t.Fatalf("ParseQueryResponse failed: %v", err)
	}

	want := QueryMetadata{
		ResponseType:     1,
		ResultID:         0,
		NumberOfRows:     2,
		ColumnCount:      2,
		RowsInMessage:    2,
		QueryID:          1443,
		QueryTime:        1918,
		MALOptimizerTime: 479,
		SQLOptimizerTime: 178,
	}
	if qr.Metadata != want {
		t.Errorf("metadata = %+v, want %+v", qr.Metadata, want)
	}

	if len(qr.Schema.Types) != 2 || qr.Schema.Types[0] != "int" || qr.Schema.Types[1] != "clob" {
		t.Errorf("column types = %v, want [int clob]", qr.Schema.Types)
	}
	if len(qr.Schema.Names) != 2 || qr.Schema.Names[0] != "i" || qr.Schema.Names[1] != "x" {
		t.Errorf("column names = %v, want [i x]", qr.Schema.Names)
	}

	if len(qr.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(qr.Rows))
	}
	if qr.Rows[0][0].Int != 1 || qr.Rows[0][1].Text != "foo" {
		t.Errorf("row 0 = %+v, want [1 foo]", qr.Rows[0])
	}
	if qr.Rows[1][0].Int != 2 || qr.Rows[1][1].Text != "bar" {
		t.Errorf("row 1 = %+v, want [2 bar]", qr.Rows[1])
	}
}

func TestParseQueryResponseQuotedPayload(t *testing.T) {
	resp := "&1 0 2 1 2 1496 896 1242 55\n" +
		"% sys.quotes # table_name\n" +
		"% x # name\n" +
		"% clob # type\n" +
		"% 34 # length\n" +
		"[ \"And He said: \\\"Let there be Light!\\\"\"\t]\n" +
		"[ \"Very hard string: [%]\"\t]"

	qr, err := ParseQueryResponse(resp)
	if err != nil {
		t.Fatalf("ParseQueryResponse failed: %v", err)
	}
	if len(qr.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(qr.Rows))
	}
	if got := qr.Rows[0][0].Text; got != `And He said: \"Let there be Light!\"` {
		t.Errorf("row 0 = %q", got)
	}
	if got := qr.Rows[1][0].Text; got != "Very hard string: [%]" {
		t.Errorf("row 1 = %q", got)
	}
}

func TestParseQueryResponseEmptyResult(t *testing.T) {
	resp := "&1 3 0 1 0 77 12 8 4\n" +
		"% sys.t # table_name\n" +
		"% n # name\n" +
		"% int # type\n" +
		"% 1 # length\n"

	qr, err := ParseQueryResponse(resp)
	if err != nil {
		t.Fatalf("ParseQueryResponse failed: %v", err)
	}
	if len(qr.Rows) != 0 {
		t.Errorf("rows = %d, want 0", len(qr.Rows))
	}
}

func TestParseQueryResponseDouble(t *testing.T) {
	resp := "&1 0 1 2 1 5 3 2 1\n" +
		"% sys.m,\tsys.m # table_name\n" +
		"% avg,\tlabel # name\n" +
		"% double,\tstring # type\n" +
		"% 8,\t5 # length\n" +
		"[ 3.25,\t\"mean\"\t]"

	qr, err := ParseQueryResponse(resp)
	if err != nil {
		t.Fatalf("ParseQueryResponse failed: %v", err)
	}
	if qr.Rows[0][0].Type != TypeDouble || qr.Rows[0][0].Double != 3.25 {
		t.Errorf("double value = %+v, want 3.25", qr.Rows[0][0])
	}
	if qr.Rows[0][1].Type != TypeText || qr.Rows[0][1].Text != "mean" {
		t.Errorf("string value = %+v, want mean", qr.Rows[0][1])
	}
}

func TestParseQueryResponseErrors(t *testing.T) {
	tests := []struct {
		name string
		resp string
	}{
		{"not a table response", "&2 5 -1"},
		{"empty input", ""},
		{"short metadata line", "&1 0 2\n% t # table_name\n% n # name\n% int # type\n% 1 # length\n"},
		{"missing type header", "&1 0 0 1 0 1 1 1 1\n% t # table_name\n% n # name\n% 1 # length\n"},
		{"bad numeric field", "&1 0 1 1 1 1 1 1 1\n% t # table_name\n% n # name\n% int # type\n% 1 # length\n[ oops\t]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseQueryResponse(tt.resp); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		tag  string
		text string
		want Value
	}{
		{"int", "42", Value{Type: TypeInt, Int: 42}},
		{"int", "-2147483648", Value{Type: TypeInt, Int: -2147483648}},
		{"tinyint", "1", Value{Type: TypeInt, Int: 1}},
		{"smallint", "-32768", Value{Type: TypeInt, Int: -32768}},
		{"bigint", "9223372036854775807", Value{Type: TypeInt, Int: 9223372036854775807}},
		{"double", "1.5", Value{Type: TypeDouble, Double: 1.5}},
		{"string", "hello", Value{Type: TypeText, Text: "hello"}},
		{"clob", "world", Value{Type: TypeText, Text: "world"}},
	}

	for _, tt := range tests {
		got, err := ParseValue(tt.tag, tt.text)
		if err != nil {
			t.Fatalf("ParseValue(%q, %q) failed: %v", tt.tag, tt.text, err)
		}
		if got != tt.want {
			t.Errorf("ParseValue(%q, %q) = %+v, want %+v", tt.tag, tt.text, got, tt.want)
		}
	}
}

func TestParseValueUnsupportedType(t *testing.T) {
	_, err := ParseValue("hugeint", "1")
	if err == nil {
		t.Fatal("expected error for unsupported tag")
	}
	var me *mapi.Error
	if !errors.As(err, &me) || me.Kind != mapi.KindUnimplemented {
		t.Errorf("expected unimplemented error, got %v", err)
	}

	if _, err := ParseValue("int", "not-a-number"); err == nil {
		t.Error("expected error for malformed int")
	}
	if _, err := ParseValue("tinyint", "300"); err == nil {
		t.Error("expected error for out-of-range tinyint")
	}
}
