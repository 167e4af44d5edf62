package monetdb

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
)

// Driver implements database/sql/driver over the native client. The DSN is
// the same mapi:// URL accepted by Connect. Statements use {} placeholders.
type Driver struct{}

func init() {
	sql.Register("monetdb", &Driver{})
}

// Open establishes a new connection for the pool kept by database/sql.
func (*Driver) Open(name string) (driver.Conn, error) {
	c, err := Connect(name)
	if err != nil {
		return nil, err
	}
	return &sqlConn{c: c}, nil
}

type sqlConn struct {
	c *Connection
}

func (sc *sqlConn) Prepare(query string) (driver.Stmt, error) {
	return &sqlStmt{conn: sc.c, query: query}, nil
}

func (sc *sqlConn) Close() error {
	return sc.c.Close()
}

func (sc *sqlConn) Begin() (driver.Tx, error) {
	if _, err := sc.c.Execute("START TRANSACTION"); err != nil {
		return nil, err
	}
	return &sqlTx{conn: sc.c}, nil
}

type sqlTx struct {
	conn *Connection
}

func (tx *sqlTx) Commit() error {
	_, err := tx.conn.Execute("COMMIT")
	return err
}

func (tx *sqlTx) Rollback() error {
	_, err := tx.conn.Execute("ROLLBACK")
	return err
}

type sqlStmt struct {
	conn  *Connection
	query string
}

func (s *sqlStmt) Close() error {
	return nil
}

func (s *sqlStmt) NumInput() int {
	return strings.Count(s.query, "{}")
}

func (s *sqlStmt) Exec(args []driver.Value) (driver.Result, error) {
	params, err := convertArgs(args)
	if err != nil {
		return nil, err
	}
	affected, err := s.conn.Execute(s.query, params...)
	if err != nil {
		return nil, err
	}
	return sqlResult{affected: affected}, nil
}

func (s *sqlStmt) Query(args []driver.Value) (driver.Rows, error) {
	params, err := convertArgs(args)
	if err != nil {
		return nil, err
	}
	resp, err := s.conn.Query(s.query, params...)
	if err != nil {
		return nil, err
	}
	return &sqlRows{resp: resp}, nil
}

func convertArgs(args []driver.Value) ([]Parameter, error) {
	params := make([]Parameter, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case string:
			params[i] = String(v)
		case []byte:
			params[i] = String(string(v))
		case int64:
			params[i] = Int(v)
		case bool:
			params[i] = Bool(v)
		case float64:
			params[i] = Float(v)
		case nil:
			params[i] = Null()
		default:
			return nil, fmt.Errorf("unsupported parameter type %T", arg)
		}
	}
	return params, nil
}

type sqlResult struct {
	affected int64
}

func (r sqlResult) LastInsertId() (int64, error) {
	return 0, fmt.Errorf("monetdb: last insert id is not available")
}

func (r sqlResult) RowsAffected() (int64, error) {
	return r.affected, nil
}

type sqlRows struct {
	resp *QueryResponse
	pos  int
}

func (r *sqlRows) Columns() []string {
	return r.resp.Schema.Names
}

func (r *sqlRows) Close() error {
	return nil
}

func (r *sqlRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.resp.Rows) {
		return io.EOF
	}
	row := r.resp.Rows[r.pos]
	r.pos++

	for i, v := range row {
		switch v.Type {
		case TypeInt:
			dest[i] = v.Int
		case TypeDouble:
			dest[i] = float64(v.Double)
		default:
			dest[i] = v.Text
		}
	}
	return nil
}
