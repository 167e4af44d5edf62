package mapi

import "fmt"

// Language selects the server-side sub-language for the session.
type Language int

const (
	LangSQL Language = iota
	LangMAPI
	LangControl
)

// String returns the token used on the wire during the handshake.
func (l Language) String() string {
	switch l {
	case LangMAPI:
		return "mapi"
	case LangControl:
		return "control"
	default:
		return "sql"
	}
}

// Default connection parameters. MonetDB installs ship with the
// monetdb/monetdb administrator account and listen on port 50000.
const (
	DefaultUsername = "monetdb"
	DefaultPassword = "monetdb"
	DefaultPort     = 50000
)

// ConnParams describes how to reach and authenticate against a MonetDB
// server. Database is required; every other field has a working default.
type ConnParams struct {
	Database string
	Username string
	Password string
	Language Language

	// Hostname selects TCP when it does not start with "/". A hostname
	// beginning with "/" is treated as the directory holding the server's
	// Unix socket. Empty means localhost.
	Hostname string
	Port     int

	// UnixSocket overrides the socket path entirely. When neither this
	// nor a "/" hostname is set, TCP is used.
	UnixSocket string
}

// endpoint resolves the params into either a TCP address or a Unix socket
// path. Exactly one of the two return values is non-empty.
func (p ConnParams) endpoint() (tcpAddr, unixPath string) {
	port := p.Port
	if port == 0 {
		port = DefaultPort
	}

	if p.UnixSocket != "" {
		return "", p.UnixSocket
	}

	host := p.Hostname
	if host == "" {
		host = "localhost"
	}
	if host[0] == '/' {
		return "", fmt.Sprintf("%s/.s.monetdb.%d", host, port)
	}
	return fmt.Sprintf("%s:%d", host, port), ""
}

// withDefaults fills in the defaults documented on the type.
func (p ConnParams) withDefaults() ConnParams {
	if p.Username == "" {
		p.Username = DefaultUsername
	}
	if p.Password == "" {
		p.Password = DefaultPassword
	}
	if p.Port == 0 {
		p.Port = DefaultPort
	}
	return p
}

func (p ConnParams) validate() error {
	if p.Database == "" {
		return connectionError("database name is required")
	}
	return nil
}
