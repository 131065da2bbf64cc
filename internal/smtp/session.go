package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/maildrop-lite/internal/email"
	"github.com/shineum/maildrop-lite/internal/parser"
)

// Session states for the LMTP/SMTP state machine.
const (
	stateConnected = iota
	stateAwaitingEnvelope
	stateAwaitingRecipients
	stateAwaitingBody
	stateDelivering
	stateComplete
)

// defaultIdleTimeout is used when the server config leaves IdleTimeout unset.
const defaultIdleTimeout = 60 * time.Second

// Session represents a single client connection and manages the protocol
// state machine.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int
	cfg    ServerConfig
	log    *slog.Logger

	// TLS support
	tlsActive bool

	// Current transaction
	clientHost string
	mailFrom   string
	rcptTo     []string
}

// NewSession creates a new session for the given connection.
func NewSession(conn net.Conn, cfg ServerConfig) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		state:  stateConnected,
		cfg:    cfg,
		log:    cfg.Logger.With("remote", conn.RemoteAddr().String()),
	}
}

// Handle runs the session, processing commands until the client disconnects
// or an error occurs.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s %s maildrop-lite ready", s.cfg.Hostname, s.protocolName())

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 4.3.2 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			s.log.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.log.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if done := s.handleCommand(ctx, cmd, arg); done {
			return
		}
	}
}

// handleCommand processes a single command and returns true if the session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "LHLO", "EHLO", "HELO":
		s.handleHello(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA(ctx)
	case "RSET":
		s.handleRSET()
	case "NOOP":
		s.writeLine("250 2.0.0 OK")
	case "VRFY":
		s.writeLine("252 2.5.2 Cannot VRFY user")
	case "QUIT":
		s.writeLine("221 2.0.0 Bye")
		return true
	default:
		s.writeLine("500 5.5.2 Unrecognized command")
	}
	return false
}

// handleHello processes LHLO/EHLO/HELO. LHLO is only valid on an LMTP
// listener; an LMTP listener accepts the SMTP greetings as well.
func (s *Session) handleHello(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 5.5.4 Syntax: %s hostname", cmd)
		return
	}
	if cmd == "LHLO" && !s.cfg.LMTP {
		s.writeLine("500 5.5.1 LHLO requires LMTP")
		return
	}

	s.resetTransaction()
	s.clientHost = arg
	s.state = stateAwaitingEnvelope

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.cfg.Hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.cfg.Hostname, arg)
	if s.cfg.TLSConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	s.writeLine("250-8BITMIME")
	s.writeLine("250-ENHANCEDSTATUSCODES")
	s.writeLine("250-SIZE %d", s.cfg.MaxMessageSize)
	s.writeLine("250 OK")
}

// handleSTARTTLS upgrades the connection to TLS.
func (s *Session) handleSTARTTLS() {
	if s.cfg.TLSConfig == nil {
		s.writeLine("454 4.7.0 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 4.7.0 TLS already active")
		return
	}

	s.writeLine("220 2.0.0 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.cfg.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.log.Error("TLS handshake failed", "error", err)
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.resetTransaction()
	s.state = stateConnected
}

// handleMAIL processes the MAIL FROM command. The null reverse-path <> is
// accepted.
func (s *Session) handleMAIL(arg string) {
	if s.state < stateAwaitingEnvelope {
		s.writeLine("503 5.5.1 Send %s first", s.helloVerb())
		return
	}
	if s.state > stateAwaitingEnvelope {
		s.writeLine("503 5.5.1 Nested MAIL command")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 5.5.4 Syntax: MAIL FROM:<address>")
		return
	}

	addr, params, ok := parsePath(arg[5:])
	if !ok {
		s.writeLine("501 5.5.4 Syntax: MAIL FROM:<address>")
		return
	}
	if v, found := params["SIZE"]; found {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil && size > s.cfg.MaxMessageSize {
			s.writeLine("552 5.3.4 Message size exceeds fixed limit")
			return
		}
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateAwaitingRecipients
	s.writeLine("250 2.1.0 OK")
}

// handleRCPT processes the RCPT TO command. Routing is decided at delivery
// time, so any non-empty path is accepted here.
func (s *Session) handleRCPT(arg string) {
	if s.state < stateAwaitingRecipients {
		s.writeLine("503 5.5.1 Send MAIL FROM first")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 5.5.4 Syntax: RCPT TO:<address>")
		return
	}

	addr, _, ok := parsePath(arg[3:])
	if !ok || addr == "" {
		s.writeLine("501 5.5.4 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateAwaitingBody
	s.writeLine("250 2.1.5 OK")
}

// handleDATA receives the message and hands it to the deliverer. It returns
// true when the connection broke mid-transfer.
// @MX:WARN: [AUTO] DATA handler buffers the message in memory up to MaxMessageSize
// @MX:REASON: The whole message is normalized once before fan-out
func (s *Session) handleDATA(ctx context.Context) bool {
	if s.state < stateAwaitingBody {
		s.writeLine("503 5.5.1 Send RCPT TO first")
		return false
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	data, tooBig, err := s.readData()
	if err != nil {
		s.log.Error("error reading DATA", "error", err)
		return true
	}
	if tooBig {
		s.log.Warn("message exceeds size limit",
			"limit", s.cfg.MaxMessageSize,
			"sender", s.mailFrom,
		)
		s.replyAll("552 5.3.4 Message size exceeds fixed limit")
		s.resetTransaction()
		return false
	}

	s.state = stateDelivering
	msg := &email.RawMessage{
		Data:       data,
		Sender:     s.mailFrom,
		Recipients: append([]string(nil), s.rcptTo...),
		ReceivedAt: time.Now().UTC(),
		ClientHost: s.clientHost,
	}

	report, err := s.cfg.Deliverer.Deliver(ctx, msg)
	switch {
	case errors.Is(err, parser.ErrMalformedMessage):
		s.replyAll("550 5.6.0 Message could not be parsed")
	case err != nil:
		s.log.Error("delivery failed", "error", err)
		s.replyAll("451 4.3.0 Temporary failure, please try again later")
	default:
		// Per-recipient sink outcomes are only logged; the peer sees success
		// once the message was normalized.
		s.log.Info("message accepted",
			"sender", s.mailFrom,
			"recipients", len(report.Outcomes),
			"bytes", len(data),
		)
		s.replyAll("250 2.0.0 OK message delivered")
	}

	s.state = stateComplete
	s.resetTransaction()
	return false
}

// readData reads the dot-terminated message body, removing dot-stuffing and
// keeping line endings as received. Once the size limit is exceeded the rest
// of the body is discarded.
func (s *Session) readData() ([]byte, bool, error) {
	var (
		buf    bytes.Buffer
		tooBig bool
	)
	for {
		if err := s.conn.SetDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return nil, false, err
		}
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, false, err
		}

		if strings.TrimRight(line, "\r\n") == "." {
			break
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}

		if tooBig {
			continue
		}
		if int64(buf.Len()+len(line)) > s.cfg.MaxMessageSize {
			tooBig = true
			buf.Reset()
			continue
		}
		buf.WriteString(line)
	}
	return buf.Bytes(), tooBig, nil
}

// replyAll writes the transfer status, once per recipient under LMTP.
func (s *Session) replyAll(format string, args ...interface{}) {
	if !s.cfg.LMTP {
		s.writeLine(format, args...)
		return
	}
	for range s.rcptTo {
		s.writeLine(format, args...)
	}
}

// handleRSET resets the current transaction state.
func (s *Session) handleRSET() {
	s.resetTransaction()
	s.writeLine("250 2.0.0 OK")
}

// resetTransaction clears the current mail transaction without affecting the
// greeting.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	if s.state >= stateAwaitingEnvelope {
		s.state = stateAwaitingEnvelope
	}
}

func (s *Session) protocolName() string {
	if s.cfg.LMTP {
		return "LMTP"
	}
	return "ESMTP"
}

func (s *Session) helloVerb() string {
	if s.cfg.LMTP {
		return "LHLO"
	}
	return "EHLO/HELO"
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	_, err := s.writer.WriteString(line + "\r\n")
	if err != nil {
		s.log.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.log.Error("failed to flush to client", "error", err)
	}
}

// parseCommand splits a command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// parsePath extracts the address of a MAIL/RCPT argument, handling both
// angle-bracket and bare forms, plus any ESMTP parameters that follow.
func parsePath(s string) (addr string, params map[string]string, ok bool) {
	s = strings.TrimSpace(s)

	var rest string
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", nil, false
		}
		addr, rest = s[1:end], s[end+1:]
	} else {
		addr, rest, _ = strings.Cut(s, " ")
		if addr == "" {
			return "", nil, false
		}
	}

	params = make(map[string]string)
	for _, p := range strings.Fields(rest) {
		k, v, _ := strings.Cut(p, "=")
		params[strings.ToUpper(k)] = v
	}
	return strings.TrimSpace(addr), params, true
}
