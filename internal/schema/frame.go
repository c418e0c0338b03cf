package schema

import (
	json "github.com/goccy/go-json"

	"github.com/axiomtrade/axiom/errs"
)

// Upstream streamer service identifiers carried in frame envelopes.
const (
	ServiceLevelOneEquity = "LEVELONE_EQUITIES"
	ServiceNasdaqBook     = "NASDAQ_BOOK"
	ServiceNyseBook       = "NYSE_BOOK"
	ServiceChartEquity    = "CHART_EQUITY"
	ServiceAdmin          = "ADMIN"
)

// Frame is one decoded streamer envelope: a service tag, the triggering
// command, and a content array of raw records.
type Frame struct {
	Service   string            `json:"service"`
	Command   string            `json:"command"`
	Timestamp int64             `json:"timestamp"`
	Content   []json.RawMessage `json:"content"`
}

// Kind maps the frame's service tag onto a StreamKind; non-data services
// report ok=false.
func (f Frame) Kind() (StreamKind, bool) {
	switch f.Service {
	case ServiceLevelOneEquity:
		return StreamL1, true
	case ServiceNasdaqBook, ServiceNyseBook:
		return StreamL2, true
	case ServiceChartEquity:
		return StreamChart, true
	default:
		return 0, false
	}
}

// DecodeFrames parses a raw websocket payload into data frames. Payloads use
// either a {"data":[...]} wrapper or a bare single envelope; response and
// notify payloads yield zero frames.
func DecodeFrames(payload []byte) ([]Frame, error) {
	var wrapper struct {
		Data     []Frame           `json:"data"`
		Response []json.RawMessage `json:"response"`
		Notify   []json.RawMessage `json:"notify"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil {
		if len(wrapper.Data) > 0 || len(wrapper.Response) > 0 || len(wrapper.Notify) > 0 {
			return wrapper.Data, nil
		}
	}
	var single Frame
	if err := json.Unmarshal(payload, &single); err != nil {
		return nil, errs.New("schema", errs.CodeDecode,
			errs.WithMessage("unrecognized frame payload"), errs.WithCause(err))
	}
	if single.Service == "" {
		return nil, nil
	}
	return []Frame{single}, nil
}
