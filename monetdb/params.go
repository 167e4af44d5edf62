package monetdb

import (
	"fmt"
	"strconv"
	"strings"
)

// Parameter is a typed SQL parameter bound into a {} placeholder.
type Parameter struct {
	render string
}

// String builds a text parameter. Single quotes are stripped from the
// payload and backslashes doubled, so the rendered literal cannot break
// out of its quoting.
func String(v string) Parameter {
	return Parameter{render: quote(v)}
}

// Int builds an integer parameter rendered as a bare decimal literal.
func Int(v int64) Parameter {
	return Parameter{render: strconv.FormatInt(v, 10)}
}

// Uint is Int for unsigned values.
func Uint(v uint64) Parameter {
	return Parameter{render: strconv.FormatUint(v, 10)}
}

// Bool builds a boolean parameter rendered as 'true' or 'false'.
func Bool(v bool) Parameter {
	if v {
		return Parameter{render: "'true'"}
	}
	return Parameter{render: "'false'"}
}

// Float builds a floating-point parameter rendered as a bare literal.
func Float(v float64) Parameter {
	return Parameter{render: strconv.FormatFloat(v, 'g', -1, 64)}
}

// Null builds a SQL NULL parameter.
func Null() Parameter {
	return Parameter{render: "NULL"}
}

func quote(v string) string {
	v = strings.ReplaceAll(v, "'", "")
	v = strings.ReplaceAll(v, `\`, `\\`)
	return "'" + v + "'"
}

// ApplyParameters substitutes the i-th parameter for the i-th {}
// placeholder in the template. An empty parameter list returns the
// template unchanged; otherwise placeholder and parameter counts must
// match.
func ApplyParameters(query string, params []Parameter) (string, error) {
	if len(params) == 0 {
		return query, nil
	}

	placeholders := strings.Count(query, "{}")
	if placeholders != len(params) {
		return "", fmt.Errorf("query has %d placeholders but %d parameters were given", placeholders, len(params))
	}

	chunks := strings.SplitAfter(query, "{}")
	var sb strings.Builder
	for i, chunk := range chunks {
		if strings.HasSuffix(chunk, "{}") {
			sb.WriteString(strings.TrimSuffix(chunk, "{}"))
			sb.WriteString(params[i].render)
		} else {
			sb.WriteString(chunk)
		}
	}
	return sb.String(), nil
}
