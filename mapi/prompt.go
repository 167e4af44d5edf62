package mapi

// PromptKind classifies a server message by its leading bytes.
type PromptKind int

const (
	PromptEmpty PromptKind = iota
	PromptInfo
	PromptError
	PromptHeader
	PromptTuple
	PromptTupleNoSlice
	PromptRedirect
	PromptMore
	PromptOK
	PromptQuery
)

func (k PromptKind) String() string {
	switch k {
	case PromptEmpty:
		return "empty"
	case PromptInfo:
		return "info"
	case PromptError:
		return "error"
	case PromptHeader:
		return "header"
	case PromptTuple:
		return "tuple"
	case PromptTupleNoSlice:
		return "tuple-no-slice"
	case PromptRedirect:
		return "redirect"
	case PromptMore:
		return "more"
	case PromptOK:
		return "ok"
	case PromptQuery:
		return "query"
	default:
		return "unknown"
	}
}

// QueryKind is the subtype carried by a PromptQuery message ("&<digit>").
type QueryKind int

const (
	QueryTable   QueryKind = 1
	QueryUpdate  QueryKind = 2
	QuerySchema  QueryKind = 3
	QueryTrans   QueryKind = 4
	QueryPrepare QueryKind = 5
	QueryBlock   QueryKind = 6
)

// Prompt is the classification of one server message.
type Prompt struct {
	Kind  PromptKind
	Query QueryKind // valid only when Kind == PromptQuery
}

// parsePrompt inspects the leading bytes of a reassembled message and
// returns its classification together with the number of prompt bytes to
// strip from the payload.
func parsePrompt(msg []byte) (Prompt, int, error) {
	if len(msg) == 0 {
		return Prompt{Kind: PromptEmpty}, 0, nil
	}

	switch msg[0] {
	case '#':
		return Prompt{Kind: PromptInfo}, 1, nil
	case '!':
		return Prompt{Kind: PromptError}, 1, nil
	case '%':
		return Prompt{Kind: PromptHeader}, 1, nil
	case '[':
		return Prompt{Kind: PromptTuple}, 1, nil
	case '^':
		return Prompt{Kind: PromptRedirect}, 1, nil
	case 1:
		if len(msg) >= 3 && msg[1] == 2 && msg[2] == '\n' {
			return Prompt{Kind: PromptMore}, 3, nil
		}
		return Prompt{}, 0, unknownResponseError("invalid more prompt: % x", head(msg, 3))
	case '&':
		if len(msg) >= 2 && msg[1] >= '1' && msg[1] <= '6' {
			return Prompt{Kind: PromptQuery, Query: QueryKind(msg[1] - '0')}, 2, nil
		}
		return Prompt{}, 0, unknownResponseError("invalid query prompt: %q", head(msg, 2))
	case '=':
		if len(msg) >= 3 && msg[1] == 'O' && msg[2] == 'K' {
			return Prompt{Kind: PromptOK}, 3, nil
		}
		return Prompt{Kind: PromptTupleNoSlice}, 1, nil
	default:
		return Prompt{}, 0, unknownResponseError("invalid prompt byte: 0x%02x", msg[0])
	}
}

func head(b []byte, n int) []byte {
	if len(b) < n {
		return b
	}
	return b[:n]
}
