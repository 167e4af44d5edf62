package monetdb

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/monetgate/monetgate/mapi"
)

// Connection is a high-level client for one MonetDB database. It wraps a
// single MAPI connection and is not safe for concurrent use.
type Connection struct {
	conn *mapi.Conn
	url  string
}

// Connect parses a mapi://[user[:pass]@]host[:port]/database URL and
// establishes an authenticated connection.
func Connect(rawurl string) (*Connection, error) {
	params, err := ParseURL(rawurl)
	if err != nil {
		return nil, err
	}
	return ConnectParams(params)
}

// ConnectParams establishes a connection from explicit parameters.
func ConnectParams(params mapi.ConnParams) (*Connection, error) {
	conn, err := mapi.Connect(params)
	if err != nil {
		return nil, err
	}
	return &Connection{conn: conn}, nil
}

// ConnectParamsWith is ConnectParams with explicit dial and I/O timeouts.
func ConnectParamsWith(params mapi.ConnParams, opts mapi.DialOptions) (*Connection, error) {
	conn, err := mapi.ConnectWith(params, opts)
	if err != nil {
		return nil, err
	}
	return &Connection{conn: conn}, nil
}

// ParseURL converts a connection URL into MAPI connection parameters.
// Query parameters: language (sql, mapi, control) and unix_socket.
func ParseURL(rawurl string) (mapi.ConnParams, error) {
	parsed, err := url.Parse(rawurl)
	if err != nil {
		return mapi.ConnParams{}, fmt.Errorf("invalid connection URL: %w", err)
	}
	if parsed.Scheme != "mapi" && parsed.Scheme != "monetdb" {
		return mapi.ConnParams{}, fmt.Errorf("invalid connection URL scheme %q", parsed.Scheme)
	}

	params := mapi.ConnParams{
		Database: strings.TrimPrefix(parsed.Path, "/"),
		Hostname: parsed.Hostname(),
	}
	if parsed.Port() != "" {
		port, err := strconv.Atoi(parsed.Port())
		if err != nil {
			return mapi.ConnParams{}, fmt.Errorf("invalid port in connection URL: %w", err)
		}
		params.Port = port
	}
	if parsed.User != nil {
		params.Username = parsed.User.Username()
		if pass, ok := parsed.User.Password(); ok {
			params.Password = pass
		}
	}

	query := parsed.Query()
	if sock := query.Get("unix_socket"); sock != "" {
		params.UnixSocket = sock
	}
	switch query.Get("language") {
	case "", "sql":
		params.Language = mapi.LangSQL
	case "mapi":
		params.Language = mapi.LangMAPI
	case "control":
		params.Language = mapi.LangControl
	default:
		return mapi.ConnParams{}, fmt.Errorf("unknown language %q in connection URL", query.Get("language"))
	}

	if params.Database == "" {
		return mapi.ConnParams{}, fmt.Errorf("connection URL has no database name")
	}
	return params, nil
}

// cmd renders the SQL with its parameters and sends it as an "s" command.
func (c *Connection) cmd(query string, params []Parameter) (string, error) {
	rendered, err := ApplyParameters(query, params)
	if err != nil {
		return "", err
	}
	return c.conn.Cmd("s" + rendered + "\n;")
}

// Query runs a SELECT-style statement and decodes the table reply.
func (c *Connection) Query(query string, params ...Parameter) (*QueryResponse, error) {
	resp, err := c.cmd(query, params)
	if err != nil {
		return nil, err
	}
	return ParseQueryResponse(resp)
}

// Execute runs a statement that does not produce rows and returns the
// affected-row count reported by the server. Statements answered with a
// plain OK (DDL, transaction control) report zero rows.
func (c *Connection) Execute(query string, params ...Parameter) (int64, error) {
	resp, err := c.cmd(query, params)
	if err != nil {
		return 0, err
	}

	if !strings.HasPrefix(resp, "&2") {
		return 0, nil
	}
	fields := strings.Fields(resp)
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed update reply: %q", firstLine(resp))
	}
	affected, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing affected row count: %w", err)
	}
	return affected, nil
}

// Result is the decoded reply to an arbitrary statement: a table for
// SELECT-style statements, an affected-row count for updates.
type Result struct {
	Table        *QueryResponse `json:"table,omitempty"`
	RowsAffected int64          `json:"rows_affected"`
}

// Run executes a statement without knowing in advance whether it returns
// rows. Statements answered with a plain OK yield an empty Result.
func (c *Connection) Run(query string, params ...Parameter) (*Result, error) {
	resp, err := c.cmd(query, params)
	if err != nil {
		return nil, err
	}

	switch {
	case strings.HasPrefix(resp, "&1"):
		qr, err := ParseQueryResponse(resp)
		if err != nil {
			return nil, err
		}
		return &Result{Table: qr}, nil
	case strings.HasPrefix(resp, "&2"):
		fields := strings.Fields(resp)
		if len(fields) < 2 {
			return nil, fmt.Errorf("malformed update reply: %q", firstLine(resp))
		}
		affected, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing affected row count: %w", err)
		}
		return &Result{RowsAffected: affected}, nil
	default:
		return &Result{}, nil
	}
}

// Ping verifies the connection is alive with a trivial round trip.
func (c *Connection) Ping() error {
	_, err := c.Query("SELECT 1")
	return err
}

// Ready reports whether the underlying MAPI connection can accept commands.
func (c *Connection) Ready() bool {
	return c.conn.Ready()
}

// Close shuts down the underlying MAPI connection.
func (c *Connection) Close() error {
	return c.conn.Close()
}
