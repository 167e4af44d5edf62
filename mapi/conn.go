package mapi

import (
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

// connState tracks the lifecycle of a Conn.
type connState int

const (
	stateInit connState = iota
	stateReady
	stateClosed
)

// maxRedirects bounds server-driven handshake restarts so a misbehaving
// merovingian cannot loop us forever.
const maxRedirects = 10

// Conn is a MAPI v9 connection to a MonetDB server. It owns one socket and
// is strictly sequential: one command is in flight at a time.
type Conn struct {
	params    ConnParams
	transport *transport
	state     connState
	busy      bool
}

// DialOptions tunes transport behavior. The zero value means no timeouts.
type DialOptions struct {
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Connect dials the server described by params and performs the login
// handshake. On failure no Conn is returned and the socket is closed.
func Connect(params ConnParams) (*Conn, error) {
	return ConnectWith(params, DialOptions{})
}

// ConnectWith is Connect with explicit transport options.
func ConnectWith(params ConnParams, opts DialOptions) (*Conn, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	params = params.withDefaults()

	if params.Language == LangControl {
		return nil, unimplementedError("control sub-language framing is not implemented")
	}

	t, err := dialTransport(params, opts.DialTimeout)
	if err != nil {
		return nil, err
	}
	t.readTimeout = opts.ReadTimeout
	t.writeTimeout = opts.WriteTimeout

	c := &Conn{params: params, transport: t, state: stateInit}
	if err := c.login(); err != nil {
		t.shutdown()
		return nil, err
	}
	c.state = stateReady
	return c, nil
}

// login drives the challenge/response dance. A merovingian redirect
// restarts the dance on the same socket; a monetdb redirect (connect to
// another host) is not implemented.
func (c *Conn) login() error {
	for redirects := 0; ; redirects++ {
		if redirects > maxRedirects {
			return connectionError("maximal number of redirects reached (%d)", maxRedirects)
		}

		challenge, err := getBlock(c.transport)
		if err != nil {
			return err
		}
		response, err := challengeResponse(c.params, challenge)
		if err != nil {
			return err
		}
		if err := putBlock(c.transport, response); err != nil {
			return err
		}

		reply, err := getBlock(c.transport)
		if err != nil {
			return err
		}
		prompt, promptLen, err := parsePrompt(reply)
		if err != nil {
			return err
		}

		switch prompt.Kind {
		case PromptEmpty, PromptOK:
			return nil
		case PromptError:
			return connectionError("login: server error: %s", reply)
		case PromptRedirect:
			scheme, err := redirectScheme(reply[promptLen:])
			if err != nil {
				return err
			}
			switch scheme {
			case "merovingian":
				slog.Debug("restarting authentication after redirect", "attempt", redirects+1)
				continue
			case "monetdb":
				return unimplementedError("redirect to another server is not implemented")
			default:
				return connectionError("unknown redirect: %s", reply[promptLen:])
			}
		default:
			return unknownResponseError("login: server responded with %s prompt", prompt.Kind)
		}
	}
}

// redirectScheme extracts the target scheme from a redirect body of the
// form mapi:<scheme>://host:port/database (the leading '^' is already
// stripped). The scheme is the second colon-separated field.
func redirectScheme(body []byte) (string, error) {
	fields := strings.SplitN(string(body), ":", 3)
	if len(fields) < 2 {
		return "", connectionError("malformed redirect: %q", body)
	}
	return fields[1], nil
}

// Cmd sends one command to the server and returns the payload of the
// reply. The caller sees raw reply text for query responses; errors the
// server reports come back as KindOperation.
func (c *Conn) Cmd(operation string) (string, error) {
	switch c.state {
	case stateInit:
		return "", connectionError("not connected")
	case stateClosed:
		return "", connectionError("connection is closed")
	}
	if c.busy {
		return "", connectionError("a command is already in flight")
	}
	c.busy = true
	defer func() { c.busy = false }()

	return c.roundTrip(operation)
}

func (c *Conn) roundTrip(operation string) (string, error) {
	for {
		if err := putBlock(c.transport, []byte(operation)); err != nil {
			return "", err
		}
		response, err := getBlock(c.transport)
		if err != nil {
			return "", err
		}

		prompt, promptLen, err := parsePrompt(response)
		if err != nil {
			return "", err
		}

		switch prompt.Kind {
		case PromptEmpty:
			return "", nil

		case PromptOK:
			return decodeText(response[promptLen:])

		case PromptMore:
			// The server wants more input; an empty message tells it
			// there is nothing left.
			operation = ""
			continue

		case PromptQuery:
			text, err := decodeText(response)
			if err != nil {
				return "", err
			}
			if prompt.Query == QueryUpdate {
				for _, line := range strings.Split(text, "\n") {
					if strings.HasPrefix(line, "!") {
						return "", operationError(line)
					}
				}
			}
			return text, nil

		case PromptHeader, PromptTuple:
			return decodeText(response)

		case PromptError:
			text, err := decodeText(response)
			if err != nil {
				return "", err
			}
			return "", operationError(text)

		default:
			return "", unknownResponseError("unexpected %s prompt in reply to a command", prompt.Kind)
		}
	}
}

// decodeText validates that the server sent UTF-8 where text is required.
func decodeText(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", serverError("response is not valid UTF-8")
	}
	return string(b), nil
}

// Close shuts the socket down in both directions. Any further operation on
// the connection fails.
func (c *Conn) Close() error {
	if c.state == stateClosed {
		return nil
	}
	c.state = stateClosed
	return c.transport.shutdown()
}

// Ready reports whether the connection finished its handshake and can
// accept commands.
func (c *Conn) Ready() bool {
	return c.state == stateReady
}
