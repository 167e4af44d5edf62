package monetdb

import (
	"fmt"
	"strconv"
	"strings"
)

// QueryMetadata is the decoded "&1" header line of a table response. All
// fields are signed 32-bit integers on the wire.
type QueryMetadata struct {
	ResponseType     int32
	ResultID         int32
	NumberOfRows     int32
	ColumnCount      int32
	RowsInMessage    int32
	QueryID          int32
	QueryTime        int32
	MALOptimizerTime int32
	SQLOptimizerTime int32
}

// ColumnSchema describes the result columns from the "%" metadata lines.
type ColumnSchema struct {
	Names []string
	Types []string
}

// QueryResponse is a fully decoded table reply: metadata, column schema
// and typed rows.
type QueryResponse struct {
	Metadata QueryMetadata
	Schema   ColumnSchema
	Rows     []Row
}

// ParseQueryResponse decodes the textual reply to a SELECT-style query:
// one "&1" metadata line, four "%" header lines (table_name, name, type,
// length) and zero or more "[ ... ]" tuple lines.
func ParseQueryResponse(resp string) (*QueryResponse, error) {
	lines := strings.Split(resp, "\n")
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "&1") {
		return nil, fmt.Errorf("not a table response: %q", firstLine(resp))
	}

	metadata, err := parseMetadataLine(lines[0])
	if err != nil {
		return nil, err
	}

	schema, body, err := parseHeaderLines(lines[1:])
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, metadata.RowsInMessage)
	for _, line := range body {
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "[") {
			return nil, fmt.Errorf("malformed tuple line: %q", line)
		}
		row, err := parseTupleLine(line, schema.Types)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}

	return &QueryResponse{Metadata: metadata, Schema: schema, Rows: rows}, nil
}

// parseMetadataLine decodes "&1 <result_id> <rows> <cols> <rows_in_msg>
// <query_id> <query_time> <mal_time> <sql_time>".
func parseMetadataLine(line string) (QueryMetadata, error) {
	fields := strings.Fields(line)
	if len(fields) < 9 {
		return QueryMetadata{}, fmt.Errorf("metadata line has %d fields, want 9: %q", len(fields), line)
	}

	values := make([]int32, 9)
	values[0] = 1 // "&1"
	for i := 1; i < 9; i++ {
		n, err := strconv.ParseInt(fields[i], 10, 32)
		if err != nil {
			return QueryMetadata{}, fmt.Errorf("metadata field %d: %w", i, err)
		}
		values[i] = int32(n)
	}

	return QueryMetadata{
		ResponseType:     values[0],
		ResultID:         values[1],
		NumberOfRows:     values[2],
		ColumnCount:      values[3],
		RowsInMessage:    values[4],
		QueryID:          values[5],
		QueryTime:        values[6],
		MALOptimizerTime: values[7],
		SQLOptimizerTime: values[8],
	}, nil
}

// parseHeaderLines consumes the "%" metadata lines and returns the schema
// plus the remaining tuple lines.
func parseHeaderLines(lines []string) (ColumnSchema, []string, error) {
	var schema ColumnSchema
	for i, line := range lines {
		if !strings.HasPrefix(line, "%") {
			if schema.Types == nil {
				return ColumnSchema{}, nil, fmt.Errorf("response has no type header line")
			}
			return schema, lines[i:], nil
		}

		body, kind, ok := strings.Cut(line[1:], "#")
		if !ok {
			return ColumnSchema{}, nil, fmt.Errorf("malformed header line: %q", line)
		}
		fields := splitTrimmed(body)
		switch strings.TrimSpace(kind) {
		case "name":
			schema.Names = fields
		case "type":
			schema.Types = fields
		}
	}

	if schema.Types == nil {
		return ColumnSchema{}, nil, fmt.Errorf("response has no type header line")
	}
	return schema, nil, nil
}

func splitTrimmed(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}

// parseTupleLine decodes "[ v1,\tv2,\t... ]" into typed values.
func parseTupleLine(line string, types []string) (Row, error) {
	inner := strings.TrimPrefix(line, "[")
	inner = strings.TrimSuffix(inner, "]")

	// Fields are comma-separated; text payloads containing a literal
	// comma are not recoverable from this format.
	fields := strings.Split(inner, ",")
	if len(fields) != len(types) {
		return nil, fmt.Errorf("tuple has %d fields, want %d: %q", len(fields), len(types), line)
	}

	row := make(Row, len(fields))
	for i, field := range fields {
		text := strings.TrimSpace(field)
		text = stripSurroundingQuotes(text)
		v, err := ParseValue(types[i], text)
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

// stripSurroundingQuotes removes one pair of double quotes around a text
// field. Escaped quotes inside the payload are left as-is.
func stripSurroundingQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
