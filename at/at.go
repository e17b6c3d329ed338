// Package at provides a low level driver for AT modems.
package at

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/kosma/attentive-go/atparser"
)

// AT represents a modem that can be managed using AT commands.
// Commands can be issued to the modem using the Command and SMSCommand methods.
// The AT closes the closed channel when the connection to the underlying
// modem is broken (Read returns EOF) .
// When closed, all outstanding commands return ErrClosed and the state of the
// underlying modem becomes unknown.
// Once closed the AT cannot be re-opened - it must be recreated.
//
// AT owns a single goroutine, run, which is the sole caller of the
// atparser.Parser's Feed method and so the sole owner of the parser, the
// indication table, and whichever command is currently in flight. A
// second goroutine, readLoop, does nothing but block in Read and forward
// byte chunks to run - this is what lets a command's context be honoured
// even while the transport Read call itself remains blocked.
type AT struct {
	modem  io.ReadWriter
	parser *atparser.Parser

	cmdCh  chan func() *pendingCmd
	indCh  chan func()
	byteCh chan []byte
	closed chan struct{}

	inds       map[string]indication // only touched on the run goroutine
	indGroup   *indGroup
	currentReq *pendingCmd

	guardUntil time.Time

	bufSize int
}

// Option configures an AT modem constructed with New.
type Option func(*AT)

// WithBufferSize overrides the response buffer size used by the
// underlying atparser.Parser. The default is 2048 bytes.
func WithBufferSize(n int) Option {
	return func(a *AT) { a.bufSize = n }
}

// New creates a new AT modem.
func New(modem io.ReadWriter, opts ...Option) *AT {
	a := &AT{
		modem:   modem,
		cmdCh:   make(chan func() *pendingCmd),
		indCh:   make(chan func()),
		byteCh:  make(chan []byte, 16),
		closed:  make(chan struct{}),
		inds:    make(map[string]indication),
		bufSize: 2048,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.parser = atparser.New(a, a.bufSize)
	go readLoop(modem, a.byteCh)
	go a.run()
	return a
}

// Closed returns a channel which will block while the modem is not closed.
func (a *AT) Closed() <-chan struct{} {
	return a.closed
}

// CommandOption configures a single Command or SMSCommand invocation.
type CommandOption func(*pendingCmd)

// WithDataPrompt arms the parser to expect a "> " prompt in response to
// the command, and writes payload to the modem once the prompt arrives.
// Used for commands that solicit raw data input, such as +CMGS (SMS PDU)
// or a socket send command.
func WithDataPrompt(payload []byte) CommandOption {
	return func(p *pendingCmd) {
		p.expectPrompt = true
		p.payload = payload
	}
}

// WithScanner overrides the line classifier for the duration of this
// command. The override is consulted before the indication table and the
// default classifier; returning atparser.Unknown defers to them.
func WithScanner(fn func(line []byte) atparser.Classification) CommandOption {
	return func(p *pendingCmd) { p.scanner = fn }
}

// Command issues the command to the modem and returns the result.
// The command should NOT include the AT prefix, or <CR><LF> suffix which is automatically added.
// The return value includes the info (the lines returned by the modem between the command and
// the status line), and an error which is non-nil if the command did not complete successfully.
func (a *AT) Command(ctx context.Context, cmd string, opts ...CommandOption) ([]string, error) {
	req := &pendingCmd{ctx: ctx, cmd: cmd, done: make(chan response, 1)}
	for _, opt := range opts {
		opt(req)
	}
	select {
	case <-a.closed:
		return nil, ErrClosed
	case a.cmdCh <- func() *pendingCmd { return a.issue(req) }:
		select {
		case rsp := <-req.done:
			return rsp.info, rsp.err
		case <-a.closed:
			return nil, ErrClosed
		}
	}
}

// AddIndication adds a handler for a set of lines beginning with the prefixed
// line and the following trailing lines.
// Each set of lines is returned via the returned channel.
// The return channel is closed when the AT closes.
func (a *AT) AddIndication(prefix string, trailingLines int) (<-chan []string, error) {
	done := make(chan chan []string)
	errs := make(chan error)
	select {
	case <-a.closed:
		return nil, ErrClosed
	case a.indCh <- func() {
		if _, ok := a.inds[prefix]; ok {
			errs <- ErrIndicationExists
			return
		}
		i := indication{prefix, trailingLines + 1, make(chan []string)}
		a.inds[prefix] = i
		done <- i.c
	}:
		select {
		case evtCh := <-done:
			return evtCh, nil
		case err := <-errs:
			return nil, err
		}
	}
}

// CancelIndication removes any indication corresponding to the prefix.
// If any such indication exists its return channel is closed and no further
// indications will be sent to it.
func (a *AT) CancelIndication(prefix string) {
	done := make(chan struct{})
	select {
	case <-a.closed:
		return
	case a.indCh <- func() {
		i, ok := a.inds[prefix]
		if ok {
			close(i.c)
			delete(a.inds, prefix)
			if a.indGroup != nil && a.indGroup.ind.prefix == prefix {
				a.indGroup = nil
			}
		}
		close(done)
	}:
		<-done
	}
}

// Init initialises the modem by escaping any outstanding SMS commands
// and resetting the modem to factory defaults.
// The Init is intended to be called after creation and before any other commands
// are issued in order to get the modem into a known state.
// This is a bare minimum init.
func (a *AT) Init(ctx context.Context) error {
	// escape any outstanding SMS operations then CR to flush the command buffer
	a.modem.Write([]byte(string(27) + "\r\n\r\n"))
	// allow time for response, or at least any residual OK, to propagate and be discarded.
	a.startWriteGuard()

	cmds := []string{
		"Z",       // reset to factory defaults (also clears the escape from the rx buffer)
		"^CURC=0", // disable general indications ^XXXX
	}
	for _, cmd := range cmds {
		_, err := a.Command(ctx, cmd)
		switch err {
		case nil:
		case context.DeadlineExceeded, context.Canceled:
			return err
		default:
			return errors.WithMessage(err, fmt.Sprintf("AT%s returned error", cmd))
		}
	}
	return nil
}

// SMSCommand issues an SMS command to the modem, and returns the result.
// An SMS command is issued in two steps; first the command line:
//
//	AT<command><CR>
//
// which the modem responds to with a ">" prompt, after which the SMS PDU is sent to the modem:
//
//	<sms><Ctrl-Z>
//
// The modem then completes the command as per other commands, such as those issued by Command.
// The format of the sms may be a text message or a hex coded SMS PDU, depending on the
// configuration of the modem (text or PDU mode).
func (a *AT) SMSCommand(ctx context.Context, cmd string, sms string) ([]string, error) {
	payload := append([]byte(sms), 26)
	return a.Command(ctx, cmd, WithDataPrompt(payload))
}

// issue runs on the run goroutine. It writes the command line to the
// modem and arms whatever per-command state is needed, or resolves the
// request immediately on write failure.
func (a *AT) issue(req *pendingCmd) *pendingCmd {
	a.waitWriteGuard()
	cmdLine := "AT" + req.cmd + "\r\n"
	if req.expectPrompt {
		// commands that solicit a data prompt are terminated with a bare
		// CR; some modems never emit the prompt if the LF is present.
		cmdLine = cmdLine[:len(cmdLine)-1]
	}
	if _, err := a.modem.Write([]byte(cmdLine)); err != nil {
		req.done <- response{err: err}
		return nil
	}
	if req.expectPrompt {
		a.parser.ExpectDataPrompt()
	}
	return req
}

// run is the single goroutine that owns the parser, the indication
// table, and whichever command is currently in flight. It terminates
// when the transport is closed.
func (a *AT) run() {
	defer a.shutdown()
	for {
		if a.currentReq == nil {
			select {
			case chunk, ok := <-a.byteCh:
				if !ok {
					return
				}
				a.parser.Feed(chunk)
			case fn := <-a.cmdCh:
				a.currentReq = fn()
			case fn := <-a.indCh:
				fn()
			}
			continue
		}
		req := a.currentReq
		select {
		case chunk, ok := <-a.byteCh:
			if !ok {
				return
			}
			a.parser.Feed(chunk)
		case <-req.ctx.Done():
			if a.currentReq == req {
				a.cancelRequest(req)
			}
		case fn := <-a.indCh:
			fn()
		}
	}
}

func (a *AT) cancelRequest(req *pendingCmd) {
	if req.payload != nil {
		// cancel an outstanding raw/SMS send
		a.modem.Write([]byte(string(27) + "\r\n"))
		a.startWriteGuard()
	}
	a.currentReq = nil
	req.done <- response{err: req.ctx.Err()}
}

func (a *AT) shutdown() {
	if a.currentReq != nil {
		a.currentReq.done <- response{err: ErrClosed}
		a.currentReq = nil
	}
	for k, i := range a.inds {
		close(i.c)
		delete(a.inds, k)
	}
	close(a.closed)
}

func readLoop(r io.Reader, out chan<- []byte) {
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- chunk
		}
		if err != nil {
			close(out)
			return
		}
	}
}

// startWriteGuard starts a write guard that prevents a subsequent write
// within a short period of time (20ms).
func (a *AT) startWriteGuard() {
	a.guardUntil = time.Now().Add(20 * time.Millisecond)
}

// waitWriteGuard waits for a write guard to allow a write to the modem.
// Runs on the run goroutine, so bytes arriving during the wait simply
// queue on byteCh to be fed once it returns.
func (a *AT) waitWriteGuard() {
	if d := time.Until(a.guardUntil); d > 0 {
		time.Sleep(d)
	}
}

// ScanLine implements atparser.Handlers. Runs on the run goroutine.
//
// With echo enabled the modem plays the command line, and any payload
// written in response to a data prompt, straight back at us. Both are
// recognized and discarded here exactly as the command-echo and swallowed
// SMS PDU cases were in the line-oriented predecessor of this dispatcher,
// just expressed as "this line is a URC nobody is listening for" rather
// than a dedicated received-line category.
func (a *AT) ScanLine(line []byte) atparser.Classification {
	if a.indGroup != nil {
		return atparser.URC
	}
	if req := a.currentReq; req != nil {
		if req.payload != nil && string(line) == string(req.payload) {
			return atparser.URC
		}
		cmdID := parseCmdID(req.cmd)
		if strings.HasPrefix(string(line), "AT"+cmdID) {
			return atparser.URC
		}
		if req.scanner != nil {
			if cls := req.scanner(line); cls.Kind != atparser.KindUnknown {
				return cls
			}
		}
	}
	s := string(line)
	for prefix := range a.inds {
		if strings.HasPrefix(s, prefix) {
			return atparser.URC
		}
	}
	return atparser.Unknown
}

// parseCmdID returns the identifier component of the command.
// This is the section prior to any '=' or '?' and is generally, but not
// always, used to prefix info lines corresponding to the command and to
// echo the command line itself.
func parseCmdID(cmdLine string) string {
	switch idx := strings.IndexAny(cmdLine, "=?"); idx {
	case -1:
		return cmdLine
	default:
		return cmdLine[0:idx]
	}
}

// HandleResponse implements atparser.Handlers. Runs on the run goroutine.
func (a *AT) HandleResponse(body []byte) {
	info := splitBody(body)
	var err error
	if n := len(info); n > 0 {
		if e := newError(info[n-1]); e != nil {
			err = e
			info = info[:n-1]
			if len(info) == 0 {
				info = nil
			}
		}
	}
	if a.currentReq == nil {
		// residual response with no command in flight; discard.
		return
	}
	req := a.currentReq
	a.currentReq = nil
	req.done <- response{info: info, err: err}
}

// HandleURC implements atparser.Handlers. Runs on the run goroutine and
// routes lines either into an in-progress multi-line indication group or
// against the indication prefix table to start a new one. Indication
// trailing lines are assumed to arrive in a contiguous block immediately
// after the prefix line.
func (a *AT) HandleURC(line []byte) {
	s := string(line)
	if a.indGroup != nil {
		a.indGroup.lines = append(a.indGroup.lines, s)
		a.indGroup.remaining--
		if a.indGroup.remaining == 0 {
			g := a.indGroup
			a.indGroup = nil
			g.ind.c <- g.lines
		}
		return
	}
	for prefix, ind := range a.inds {
		if !strings.HasPrefix(s, prefix) {
			continue
		}
		remaining := ind.totalLines - 1
		if remaining == 0 {
			ind.c <- []string{s}
			return
		}
		a.indGroup = &indGroup{ind: ind, lines: []string{s}, remaining: remaining}
		return
	}
	// no indication registered for this line; dropped.
}

// HandleDataPrompt implements atparser.Handlers. Runs on the run
// goroutine and writes the armed command's payload, if any.
func (a *AT) HandleDataPrompt() {
	req := a.currentReq
	if req == nil || req.payload == nil {
		return
	}
	if _, err := a.modem.Write(req.payload); err != nil {
		a.modem.Write([]byte(string(27) + "\r\n"))
		a.startWriteGuard()
		a.currentReq = nil
		req.done <- response{err: err}
	}
	// else: currentReq stays armed, awaiting the final response.
}

// CMEError indicates a CME Error was returned by the modem.
// The value is the error value, in string form, which may be the numeric or textual, depending
// on the modem configuration.
type CMEError string

// CMSError indicates a CMS Error was returned by the modem.
// The value is the error value, in string form, which may be the numeric or textual, depending
// on the modem configuration.
type CMSError string

func (e CMEError) Error() string {
	return string("CME Error: " + e)
}

func (e CMSError) Error() string {
	return string("CMS Error: " + e)
}

var (
	// ErrClosed indicates an operation cannot be performed as the modem has been closed.
	ErrClosed = errors.New("closed")
	// ErrError indicates the modem returned a generic AT ERROR in response to an operation.
	ErrError = errors.New("ERROR")
	// ErrNoCarrier indicates the modem returned NO CARRIER.
	ErrNoCarrier = errors.New("NO CARRIER")
	// ErrNoDialtone indicates the modem returned NO DIALTONE.
	ErrNoDialtone = errors.New("NO DIALTONE")
	// ErrBusy indicates the modem returned BUSY.
	ErrBusy = errors.New("BUSY")
	// ErrNoAnswer indicates the modem returned NO ANSWER.
	ErrNoAnswer = errors.New("NO ANSWER")
	// ErrCommandNotSupported indicates the modem returned COMMAND NOT SUPPORT.
	ErrCommandNotSupported = errors.New("COMMAND NOT SUPPORT")
	// ErrTooManyParameters indicates the modem returned TOO MANY PARAMETERS.
	ErrTooManyParameters = errors.New("TOO MANY PARAMETERS")
	// ErrIndicationExists indicates there is already a indication registered for
	// a prefix.
	ErrIndicationExists = errors.New("indication exists")
)

// newError parses the final line of a response and creates an error
// corresponding to the content, or nil if the line is not a recognised
// error/status line.
func newError(line string) error {
	switch {
	case strings.HasPrefix(line, "ERROR"):
		return ErrError
	case strings.HasPrefix(line, "+CMS ERROR:"):
		return CMSError(strings.TrimSpace(line[len("+CMS ERROR:"):]))
	case strings.HasPrefix(line, "+CME ERROR:"):
		return CMEError(strings.TrimSpace(line[len("+CME ERROR:"):]))
	case strings.HasPrefix(line, "NO CARRIER"):
		return ErrNoCarrier
	case strings.HasPrefix(line, "NO DIALTONE"):
		return ErrNoDialtone
	case strings.HasPrefix(line, "BUSY"):
		return ErrBusy
	case strings.HasPrefix(line, "NO ANSWER"):
		return ErrNoAnswer
	case strings.HasPrefix(line, "COMMAND NOT SUPPORT"):
		return ErrCommandNotSupported
	case strings.HasPrefix(line, "TOO MANY PARAMETERS"):
		return ErrTooManyParameters
	}
	return nil
}

// pendingCmd represents an operation awaiting completion on the modem.
type pendingCmd struct {
	ctx          context.Context
	cmd          string
	done         chan response
	expectPrompt bool
	payload      []byte
	scanner      func(line []byte) atparser.Classification
}

// response represents the result of a request operation performed on the modem.
// info is the collection of lines returned between the command and the status line.
// err corresponds to any error returned by the modem or while interacting with the modem.
type response struct {
	info []string
	err  error
}

// indication represents an unsolicited result code (URC) from the modem, such as a
// received SMS message.
// Indications are lines prefixed with a particular pattern,
// and may include a number of trailing lines.
// The matching lines are bundled into a slice and sent to the channel.
type indication struct {
	prefix     string
	totalLines int
	c          chan []string
}

// indGroup tracks an indication whose prefix line matched but whose
// trailing lines have not all arrived yet.
type indGroup struct {
	ind       indication
	lines     []string
	remaining int
}

// splitBody splits an accumulated response body on its internal \n
// separators. An empty body (a bare final OK with no preceding lines)
// yields a nil info slice rather than a slice containing one empty string.
func splitBody(body []byte) []string {
	if len(body) == 0 {
		return nil
	}
	return strings.Split(string(body), "\n")
}
