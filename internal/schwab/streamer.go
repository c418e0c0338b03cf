package schwab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/axiomtrade/axiom/errs"
	"github.com/axiomtrade/axiom/internal/schema"
)

const (
	streamerReadLimit    = 4 * 1024 * 1024
	streamerWriteTimeout = 10 * time.Second
	streamerLoginTimeout = 15 * time.Second

	commandLogin  = "LOGIN"
	commandLogout = "LOGOUT"
	commandSubs   = "SUBS"
	commandAdd    = "ADD"
	commandUnsubs = "UNSUBS"
)

// Requested field lists per service; field 0 is always the symbol key.
const (
	levelOneFields = "0,1,2,3,4,5,6,7,8,9,10,11,12,13,14,15,16,17,18,33,34,35"
	bookFields     = "0,1,2,3"
	chartFields    = "0,1,2,3,4,5,6,7,8"
)

// Streamer is the contract the supervisor drives: session control, the
// subscription operations per service, and the blocking message pump step.
type Streamer interface {
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	LevelOneEquitySubs(ctx context.Context, symbols []string) error
	LevelOneEquityAdd(ctx context.Context, symbols []string) error
	LevelOneEquityUnsubs(ctx context.Context, symbols []string) error
	NasdaqBookSubs(ctx context.Context, symbols []string) error
	NasdaqBookAdd(ctx context.Context, symbols []string) error
	NasdaqBookUnsubs(ctx context.Context, symbols []string) error
	NyseBookSubs(ctx context.Context, symbols []string) error
	NyseBookAdd(ctx context.Context, symbols []string) error
	NyseBookUnsubs(ctx context.Context, symbols []string) error
	ChartEquitySubs(ctx context.Context, symbols []string) error
	ChartEquityAdd(ctx context.Context, symbols []string) error
	ChartEquityUnsubs(ctx context.Context, symbols []string) error
	HandleMessage(ctx context.Context) (schema.Frame, error)
	Close() error
}

// Session is one authenticated streamer websocket connection.
type Session struct {
	conn        *websocket.Conn
	info        StreamerInfo
	accessToken string

	requestID atomic.Int64

	writeMu sync.Mutex

	// Frames decoded beyond the one returned by HandleMessage wait here.
	pending []schema.Frame
}

// Dial connects to the streamer socket. Login must be called before any
// subscription command.
func Dial(ctx context.Context, info StreamerInfo, accessToken string) (*Session, error) {
	socketURL := strings.TrimSpace(info.SocketURL)
	if socketURL == "" {
		return nil, errs.New("schwab", errs.CodeConfig, errs.WithMessage("streamer socket url required"))
	}
	conn, _, err := websocket.Dial(ctx, socketURL, nil)
	if err != nil {
		return nil, errs.New("schwab", errs.CodeNetwork,
			errs.WithMessage("dial streamer"), errs.WithCause(err))
	}
	conn.SetReadLimit(streamerReadLimit)
	return &Session{conn: conn, info: info, accessToken: accessToken}, nil
}

type streamerRequest struct {
	Service                string            `json:"service"`
	Command                string            `json:"command"`
	RequestID              string            `json:"requestid"`
	SchwabClientCustomerID string            `json:"SchwabClientCustomerId"`
	SchwabClientCorrelID   string            `json:"SchwabClientCorrelId"`
	Parameters             map[string]string `json:"parameters"`
}

type streamerResponse struct {
	Response []struct {
		Service   string `json:"service"`
		Command   string `json:"command"`
		RequestID string `json:"requestid"`
		Content   struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		} `json:"content"`
	} `json:"response"`
}

// Login sends the ADMIN LOGIN frame and waits for its acknowledgement.
func (s *Session) Login(ctx context.Context) error {
	params := map[string]string{
		"Authorization":          s.accessToken,
		"SchwabClientChannel":    s.info.Channel,
		"SchwabClientFunctionId": s.info.FunctionID,
	}
	if err := s.send(ctx, schema.ServiceAdmin, commandLogin, params); err != nil {
		return err
	}
	return s.awaitAck(ctx, schema.ServiceAdmin, commandLogin)
}

// Logout sends the ADMIN LOGOUT frame. Acknowledgement is not awaited; the
// peer closes the socket shortly after.
func (s *Session) Logout(ctx context.Context) error {
	return s.send(ctx, schema.ServiceAdmin, commandLogout, map[string]string{})
}

// LevelOneEquitySubs replaces the Level-1 subscription set.
func (s *Session) LevelOneEquitySubs(ctx context.Context, symbols []string) error {
	return s.subscription(ctx, schema.ServiceLevelOneEquity, commandSubs, symbols, levelOneFields)
}

// LevelOneEquityAdd extends the Level-1 subscription set.
func (s *Session) LevelOneEquityAdd(ctx context.Context, symbols []string) error {
	return s.subscription(ctx, schema.ServiceLevelOneEquity, commandAdd, symbols, levelOneFields)
}

// LevelOneEquityUnsubs removes symbols from the Level-1 subscription set.
func (s *Session) LevelOneEquityUnsubs(ctx context.Context, symbols []string) error {
	return s.subscription(ctx, schema.ServiceLevelOneEquity, commandUnsubs, symbols, "")
}

// NasdaqBookSubs replaces the NASDAQ book subscription set.
func (s *Session) NasdaqBookSubs(ctx context.Context, symbols []string) error {
	return s.subscription(ctx, schema.ServiceNasdaqBook, commandSubs, symbols, bookFields)
}

// NasdaqBookAdd extends the NASDAQ book subscription set.
func (s *Session) NasdaqBookAdd(ctx context.Context, symbols []string) error {
	return s.subscription(ctx, schema.ServiceNasdaqBook, commandAdd, symbols, bookFields)
}

// NasdaqBookUnsubs removes symbols from the NASDAQ book subscription set.
func (s *Session) NasdaqBookUnsubs(ctx context.Context, symbols []string) error {
	return s.subscription(ctx, schema.ServiceNasdaqBook, commandUnsubs, symbols, "")
}

// NyseBookSubs replaces the NYSE book subscription set.
func (s *Session) NyseBookSubs(ctx context.Context, symbols []string) error {
	return s.subscription(ctx, schema.ServiceNyseBook, commandSubs, symbols, bookFields)
}

// NyseBookAdd extends the NYSE book subscription set.
func (s *Session) NyseBookAdd(ctx context.Context, symbols []string) error {
	return s.subscription(ctx, schema.ServiceNyseBook, commandAdd, symbols, bookFields)
}

// NyseBookUnsubs removes symbols from the NYSE book subscription set.
func (s *Session) NyseBookUnsubs(ctx context.Context, symbols []string) error {
	return s.subscription(ctx, schema.ServiceNyseBook, commandUnsubs, symbols, "")
}

// ChartEquitySubs replaces the chart subscription set.
func (s *Session) ChartEquitySubs(ctx context.Context, symbols []string) error {
	return s.subscription(ctx, schema.ServiceChartEquity, commandSubs, symbols, chartFields)
}

// ChartEquityAdd extends the chart subscription set.
func (s *Session) ChartEquityAdd(ctx context.Context, symbols []string) error {
	return s.subscription(ctx, schema.ServiceChartEquity, commandAdd, symbols, chartFields)
}

// ChartEquityUnsubs removes symbols from the chart subscription set.
func (s *Session) ChartEquityUnsubs(ctx context.Context, symbols []string) error {
	return s.subscription(ctx, schema.ServiceChartEquity, commandUnsubs, symbols, "")
}

// HandleMessage blocks for the next data frame. Response and notify payloads
// are consumed silently. A peer close or dead socket yields
// errs.ErrConnectionClosed.
func (s *Session) HandleMessage(ctx context.Context) (schema.Frame, error) {
	for {
		if len(s.pending) > 0 {
			frame := s.pending[0]
			s.pending = s.pending[1:]
			return frame, nil
		}
		_, payload, err := s.conn.Read(ctx)
		if err != nil {
			return schema.Frame{}, classifyReadError(err)
		}
		frames, err := schema.DecodeFrames(payload)
		if err != nil {
			return schema.Frame{}, err
		}
		s.pending = frames
	}
}

// Close tears the socket down without a logout handshake.
func (s *Session) Close() error {
	err := s.conn.Close(websocket.StatusNormalClosure, "shutdown")
	if err != nil && !strings.Contains(err.Error(), "already wrote close") {
		return errs.New("schwab", errs.CodeNetwork,
			errs.WithMessage("close streamer"), errs.WithCause(err))
	}
	return nil
}

func (s *Session) subscription(ctx context.Context, service, command string, symbols []string, fields string) error {
	if len(symbols) == 0 && command != commandSubs {
		return nil
	}
	params := map[string]string{"keys": strings.Join(symbols, ",")}
	if fields != "" {
		params["fields"] = fields
	}
	return s.send(ctx, service, command, params)
}

func (s *Session) send(ctx context.Context, service, command string, params map[string]string) error {
	req := streamerRequest{
		Service:                service,
		Command:                command,
		RequestID:              strconv.FormatInt(s.requestID.Add(1), 10),
		SchwabClientCustomerID: s.info.CustomerID,
		SchwabClientCorrelID:   s.info.CorrelID,
		Parameters:             params,
	}
	payload, err := json.Marshal(map[string][]streamerRequest{"requests": {req}})
	if err != nil {
		return errs.New("schwab", errs.CodeDecode,
			errs.WithMessage("encode streamer request"), errs.WithCause(err))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, streamerWriteTimeout)
	defer cancel()
	if err := s.conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		return classifyWriteError(service, command, err)
	}
	return nil
}

// awaitAck reads until the matching response arrives, buffering any data
// frames that interleave.
func (s *Session) awaitAck(ctx context.Context, service, command string) error {
	ackCtx, cancel := context.WithTimeout(ctx, streamerLoginTimeout)
	defer cancel()
	for {
		_, payload, err := s.conn.Read(ackCtx)
		if err != nil {
			return classifyReadError(err)
		}
		var resp streamerResponse
		if err := json.Unmarshal(payload, &resp); err == nil {
			for _, r := range resp.Response {
				if r.Service != service || r.Command != command {
					continue
				}
				if r.Content.Code != 0 {
					return errs.New("schwab", errs.CodeAuth,
						errs.WithMessage(fmt.Sprintf("%s %s rejected: %s", service, command, r.Content.Msg)),
						errs.WithRawMessage(string(payload)))
				}
				return nil
			}
		}
		if frames, err := schema.DecodeFrames(payload); err == nil && len(frames) > 0 {
			s.pending = append(s.pending, frames...)
		}
	}
}

func classifyReadError(err error) error {
	if status := websocket.CloseStatus(err); status != -1 {
		return errs.New("schwab", errs.CodeNetwork,
			errs.WithMessage(fmt.Sprintf("streamer closed: %s", status)),
			errs.WithCause(errs.ErrConnectionClosed))
	}
	if isConnGone(err) {
		return errs.New("schwab", errs.CodeNetwork,
			errs.WithMessage("streamer connection lost"),
			errs.WithCause(errs.ErrConnectionClosed))
	}
	return errs.New("schwab", errs.CodeNetwork,
		errs.WithMessage("streamer read failed"), errs.WithCause(err))
}

func classifyWriteError(service, command string, err error) error {
	if status := websocket.CloseStatus(err); status != -1 || isConnGone(err) {
		return errs.New("schwab", errs.CodeNetwork,
			errs.WithMessage(fmt.Sprintf("%s %s on closed streamer", service, command)),
			errs.WithCause(errs.ErrConnectionClosed))
	}
	return errs.New("schwab", errs.CodeNetwork,
		errs.WithMessage(fmt.Sprintf("send %s %s", service, command)), errs.WithCause(err))
}

func isConnGone(err error) bool {
	if err == nil {
		return false
	}
	if errs.IsConnectionClosed(err) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset")
}
