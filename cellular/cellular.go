// Package cellular provides a driver for data-session and socket commands
// exposed by Telit-family cellular modems (the `#S*` command group).
package cellular

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/kosma/attentive-go/at"
	"github.com/kosma/attentive-go/atparser"
	"github.com/kosma/attentive-go/info"
)

// maxChunk bounds a single #SRECV request so its response fits comfortably
// within the AT dispatcher's response buffer, mirroring the 128 byte cap
// the original Telit driver applies for the same reason.
const maxChunk = 128

// Cellular decorates the AT modem with the Telit `#S*` socket command set.
type Cellular struct {
	*at.AT
}

// New creates a new Cellular modem driver.
func New(modem io.ReadWriter) *Cellular {
	return &Cellular{AT: at.New(modem)}
}

// Init initialises the modem for data sessions.
//
// It probes +GCAP for +CGSM support before issuing any vendor-specific
// setup, the same gate gsm.Init applies for the SMS command set, then
// raises the module's compatibility level and enables extended error
// reporting.
func (c *Cellular) Init(ctx context.Context) error {
	if err := c.AT.Init(ctx); err != nil {
		return err
	}
	i, err := c.Command(ctx, "+GCAP")
	if err != nil {
		return err
	}
	capable := false
	for _, l := range i {
		if info.HasPrefix(l, "+GCAP") {
			for _, cap := range strings.Split(info.TrimPrefix(l, "+GCAP"), ",") {
				if cap == "+CGSM" {
					capable = true
				}
			}
		}
	}
	if !capable {
		return ErrNotGSMCapable
	}
	cmds := []string{
		"#SELINT=2", // Set Telit module compatibility level.
		"+CMEE=2",   // Enable extended error reporting.
	}
	for _, cmd := range cmds {
		if _, err := c.Command(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// Socket is a single #S* data connection.
type Socket struct {
	c      *Cellular
	connID int
}

// Connect opens a TCP socket to host:port on connID, resetting its
// extended configuration to the modem defaults first.
func (c *Cellular) Connect(ctx context.Context, connID int, host string, port uint16) (*Socket, error) {
	if _, err := c.Command(ctx, fmt.Sprintf("#SCFGEXT=%d,0,0,0,0,0", connID)); err != nil {
		return nil, err
	}
	if _, err := c.Command(ctx, fmt.Sprintf("#SCFGEXT2=%d,0,0,0,0,0", connID)); err != nil {
		return nil, err
	}
	if _, err := c.Command(ctx, fmt.Sprintf("#SD=%d,0,%d,%s,0,0,1", connID, port, host)); err != nil {
		return nil, err
	}
	return &Socket{c: c, connID: connID}, nil
}

// Close closes the socket.
func (s *Socket) Close(ctx context.Context) error {
	_, err := s.c.Command(ctx, fmt.Sprintf("#SH=%d", s.connID))
	return err
}

// Send writes data to the socket using #SSENDEXT, arming the data prompt
// the same way at.SMSCommand arms it for SMS PDUs.
func (s *Socket) Send(ctx context.Context, data []byte) (int, error) {
	cmd := fmt.Sprintf("#SSENDEXT=%d,%d", s.connID, len(data))
	if _, err := s.c.Command(ctx, cmd, at.WithDataPrompt(data)); err != nil {
		return 0, err
	}
	return len(data), nil
}

// srecvScanner recognizes the "#SRECV: <connid>,<n>" header line telit2.c's
// scanner_srecv matches, arming the parser to swallow n bytes verbatim as
// part of that response line.
func srecvScanner(line []byte) atparser.Classification {
	s := string(line)
	if !strings.HasPrefix(s, "#SRECV: ") {
		return atparser.Unknown
	}
	fields := strings.SplitN(strings.TrimPrefix(s, "#SRECV: "), ",", 2)
	if len(fields) != 2 {
		return atparser.Unknown
	}
	n, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		return atparser.Unknown
	}
	return atparser.RawDataFollows(n)
}

// srecvHexScanner is srecvScanner's hex-escaped-payload counterpart: the
// announced count is still the decoded byte count, so the parser still
// reports n, but expects 2n hex digits on the wire.
func srecvHexScanner(line []byte) atparser.Classification {
	cls := srecvScanner(line)
	if cls.Kind != atparser.KindRawData {
		return cls
	}
	return atparser.HexDataFollows(cls.N)
}

// Recv reads up to length bytes from the socket, chunking the request in
// pieces of at most maxChunk bytes to keep any single #SRECV response
// within the dispatcher's buffer, the same bound telit2_socket_recv
// applies.
func (s *Socket) Recv(ctx context.Context, length int) ([]byte, error) {
	return s.recv(ctx, length, srecvScanner)
}

// RecvHex is Recv's hex-escaped-payload variant, for modems configured to
// return socket data hex-encoded rather than raw. The parser decodes the
// hex nibbles inline, so the result is already raw bytes.
func (s *Socket) RecvHex(ctx context.Context, length int) ([]byte, error) {
	return s.recv(ctx, length, srecvHexScanner)
}

func (s *Socket) recv(ctx context.Context, length int, scanner func([]byte) atparser.Classification) ([]byte, error) {
	out := make([]byte, 0, length)
	for len(out) < length {
		chunk := length - len(out)
		if chunk > maxChunk {
			chunk = maxChunk
		}
		cmd := fmt.Sprintf("#SRECV=%d,%d", s.connID, chunk)
		i, err := s.c.Command(ctx, cmd, at.WithScanner(scanner))
		if err != nil {
			return out, err
		}
		if len(i) == 0 {
			return out, ErrMalformedResponse
		}
		if !info.HasPrefix(i[0], "#SRECV") {
			return out, ErrMalformedResponse
		}
		fields := strings.Split(info.TrimPrefix(i[0], "#SRECV"), ",")
		if len(fields) != 2 {
			return out, ErrMalformedResponse
		}
		n, err := strconv.Atoi(strings.TrimSpace(fields[1]))
		if err != nil {
			return out, errors.WithMessage(err, "malformed #SRECV length")
		}
		if n == 0 {
			break
		}
		if len(i) < 2 || len(i[1]) < n {
			return out, ErrMalformedResponse
		}
		out = append(out, i[1][:n]...)
	}
	return out, nil
}

var (
	// ErrNotGSMCapable indicates the modem does not support the GSM
	// command set required for data sessions, as determined from the
	// GCAP response.
	ErrNotGSMCapable = errors.New("modem is not GSM capable")

	// ErrMalformedResponse indicates the modem returned a badly formed
	// #SRECV response.
	ErrMalformedResponse = errors.New("modem returned malformed response")
)
