package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kstaniek/go-can-example/internal/can"
	"github.com/kstaniek/go-can-example/internal/discovery"
	"github.com/kstaniek/go-can-example/internal/metrics"
	"github.com/kstaniek/go-can-example/internal/receiver"
	"github.com/kstaniek/go-can-example/internal/request"
	"github.com/kstaniek/go-can-example/internal/session"
)

const (
	msgNotBound     = "bind an interface first"
	msgNoInterfaces = "no CAN interfaces present"
	msgNoUsable     = "no CAN interfaces usable"
	msgClosed       = "session closed; bind an interface to start a new one"
)

const helpText = `commands:
  list                              list CAN interfaces
  bind <name>                       bind (or switch to) an interface
  loopback [on|off]                 show or set local loopback
  recvown [on|off]                  show or set receive-own-messages
  send <id> <data|rtr|err> <text>   send a frame (decimal id 0..2047, 1..8 bytes of text)
  recv start|stop                   start or stop printing received frames
  status                            show session state and counters
  close                             release the interface and end the session
  help                              this text
  quit                              exit`

// console is the interactive line surface over the current session. Replies
// are short actionable messages; received frames are printed asynchronously by
// the receive loop through the same writer. A bind after close starts a new
// session from newSession.
type console struct {
	ctx        context.Context
	newSession func() *session.Session
	list       func() ([]string, error)
	rxTimeout time.Duration
	taps      []receiver.Sink
	logger    *slog.Logger

	// sess is replaced only by the console goroutine; other goroutines read
	// it through current.
	sessMu sync.Mutex
	sess   *session.Session

	outMu sync.Mutex
	out   io.Writer

	loop *receiver.Loop
}

// current returns the live session. Safe from any goroutine.
func (c *console) current() *session.Session {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	return c.sess
}

// send hands fr to the current session; it follows the console across
// close and re-bind.
func (c *console) send(fr can.Frame) error { return c.current().Send(fr) }

// renew swaps a closed session for a fresh one. It reports false when no
// factory is configured.
func (c *console) renew() bool {
	if c.newSession == nil {
		return false
	}
	s := c.newSession()
	c.sessMu.Lock()
	c.sess = s
	c.sessMu.Unlock()
	c.logger.Info("session_renewed")
	return true
}

func (c *console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

// run reads commands until EOF, quit or ctx cancellation.
func (c *console) run(in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-c.ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if quit := c.exec(line); quit {
				return nil
			}
		}
	}
}

// exec runs one command line and reports whether the console should exit.
func (c *console) exec(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	switch cmd {
	case "list", "ls":
		c.cmdList()
	case "bind":
		if len(args) != 1 {
			c.printf("usage: bind <name>")
			return false
		}
		c.cmdBind(args[0])
	case "loopback":
		c.cmdFlag("loopback", args, c.sess.Loopback, c.sess.SetLoopback)
	case "recvown":
		c.cmdFlag("recvown", args, c.sess.ReceiveOwnMessages, c.sess.SetReceiveOwnMessages)
	case "send":
		c.cmdSend(line)
	case "recv":
		if len(args) != 1 {
			c.printf("usage: recv start|stop")
			return false
		}
		c.cmdRecv(args[0])
	case "status":
		c.cmdStatus()
	case "close":
		c.cmdClose()
	case "help", "?":
		c.printf("%s", helpText)
	case "quit", "exit":
		return true
	default:
		c.printf("unknown command %q (try help)", cmd)
	}
	return false
}

func (c *console) cmdList() {
	names, err := c.list()
	switch {
	case errors.Is(err, discovery.ErrPermissionDenied):
		c.logger.Debug("discovery_denied", "error", err)
		c.printf("%s (permission denied)", msgNoUsable)
	case errors.Is(err, discovery.ErrNoDevices):
		c.printf("%s", msgNoInterfaces)
	case err != nil:
		c.printf("%s: %v", msgNoUsable, err)
	default:
		for _, n := range names {
			c.printf("  %s", n)
		}
	}
}

func (c *console) cmdBind(name string) {
	if c.sess.State() == session.Closed && !c.renew() {
		c.printf("%s", msgClosed)
		return
	}
	err := c.sess.Bind(name)
	switch {
	case errors.Is(err, session.ErrClosed):
		c.printf("%s", msgClosed)
	case errors.Is(err, can.ErrInterfaceNotFound):
		c.printf("interface %q not found (try list)", name)
	case err != nil:
		c.printf("%v", err)
	default:
		iface, _ := c.sess.Interface()
		c.printf("bound to %s", iface)
	}
}

func (c *console) cmdFlag(name string, args []string, get func() (bool, error), set func(bool) error) {
	if len(args) == 0 {
		v, err := get()
		if err != nil {
			c.printf("%s", c.stateMessage(err))
			return
		}
		c.printf("%s %s", name, onOff(v))
		return
	}
	var on bool
	switch strings.ToLower(args[0]) {
	case "on", "1", "true":
		on = true
	case "off", "0", "false":
	default:
		c.printf("usage: %s on|off", name)
		return
	}
	if err := set(on); err != nil {
		c.printf("%s", c.stateMessage(err))
		return
	}
	c.printf("%s %s", name, onOff(on))
}

// cmdSend keeps the payload text verbatim, inner spaces included.
func (c *console) cmdSend(line string) {
	parts, text := splitN(line, 3)
	if len(parts) < 3 {
		c.printf("usage: send <id> <data|rtr|err> <text>")
		return
	}
	iface, ok := c.requireBound()
	if !ok {
		return
	}
	ft, err := request.ParseFrameType(parts[2])
	if err != nil {
		c.printf("%v", err)
		return
	}
	fr, err := request.Build(iface, parts[1], ft, text)
	if err != nil {
		c.printf("%s", buildMessage(err))
		return
	}
	if err := c.sess.Send(fr); err != nil {
		c.printf("%s", c.stateMessage(err))
		return
	}
	c.printf("data sent")
}

func buildMessage(err error) string {
	switch {
	case errors.Is(err, request.ErrBadID), errors.Is(err, can.ErrInvalidRange):
		return request.ErrBadID.Error()
	case errors.Is(err, request.ErrEmptyPayload):
		return request.ErrEmptyPayload.Error()
	case errors.Is(err, can.ErrPayloadTooLarge):
		return "frame data is limited to 8 bytes"
	}
	return err.Error()
}

func (c *console) cmdRecv(arg string) {
	switch strings.ToLower(arg) {
	case "start":
		if c.receiving() {
			c.printf("receiver already running")
			return
		}
		iface, ok := c.requireBound()
		if !ok {
			return
		}
		sinks := append(receiver.MultiSink{c.printerSink()}, c.taps...)
		c.loop = receiver.Start(c.ctx, c.sess, sinks,
			receiver.WithTimeout(c.rxTimeout), receiver.WithLogger(c.logger))
		c.printf("receiving on %s", iface)
	case "stop":
		if !c.receiving() {
			c.printf("receiver not running")
			return
		}
		c.printf("stopping receiver (up to %s)", c.rxTimeout)
		c.stopReceiver()
	default:
		c.printf("usage: recv start|stop")
	}
}

func (c *console) receiving() bool {
	if c.loop == nil {
		return false
	}
	select {
	case <-c.loop.Done():
		return false
	default:
		return true
	}
}

func (c *console) stopReceiver() {
	if c.loop == nil {
		return
	}
	c.loop.Cancel()
	c.loop.Wait()
	c.loop = nil
}

// printerSink prints frames and the loop's end.
func (c *console) printerSink() receiver.Sink {
	return receiver.SinkFuncs{
		OnFrame: func(fr can.Frame) { c.printf("rx %s", fr) },
		OnStopped: func(reason error) {
			switch {
			case reason == nil:
				c.printf("receiver stopped")
			case errors.Is(reason, session.ErrClosedDuringReceive):
				c.printf("receiver stopped: interface released")
			default:
				c.printf("receiver stopped: %v", reason)
			}
		},
	}
}

func (c *console) cmdStatus() {
	st := c.sess.Status()
	c.printf("state: %s", st.State)
	if st.State == session.Bound {
		c.printf("interface: %s  loopback: %s  recvown: %s", st.Iface, onOff(st.Loopback), onOff(st.RecvOwn))
	}
	rx := "stopped"
	if c.receiving() {
		rx = "running"
	}
	s := metrics.Snap()
	c.printf("receiver: %s  tx: %d  rx: %d  timeouts: %d  errors: %d", rx, s.Tx, s.Rx, s.RxTimeouts, s.Errors)
	if s.HubClients > 0 || s.TapRx > 0 {
		c.printf("tap clients: %d  tap rx: %d  tap tx: %d  drops: %d", s.HubClients, s.TapRx, s.TapTx, s.HubDrops)
	}
}

// cmdClose releases the session. A running receiver observes the close and
// stops on its own.
func (c *console) cmdClose() {
	if c.sess.State() == session.Closed {
		c.printf("%s", msgClosed)
		return
	}
	_ = c.sess.Close()
	if c.loop != nil {
		c.loop.Wait()
		c.loop = nil
	}
	c.printf("session closed")
}

// shutdown stops the receiver and closes the session.
func (c *console) shutdown() {
	_ = c.sess.Close()
	if c.loop != nil {
		c.loop.Wait()
		c.loop = nil
	}
}

// requireBound returns the bound interface or tells the user why there is none.
func (c *console) requireBound() (can.Interface, bool) {
	iface, bound := c.sess.Interface()
	if bound {
		return iface, true
	}
	if c.sess.State() == session.Closed {
		c.printf("%s", msgClosed)
	} else {
		c.printf("%s", msgNotBound)
	}
	return can.Interface{}, false
}

// stateMessage turns session errors into the reply shown to the user.
func (c *console) stateMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrNotBound):
		return msgNotBound
	case errors.Is(err, session.ErrClosed), errors.Is(err, session.ErrClosedDuringReceive):
		return msgClosed
	case errors.Is(err, session.ErrInterfaceMismatch):
		return "frame interface does not match the bound interface"
	}
	return fmt.Sprintf("failed: %v", err)
}

// splitN pops up to n whitespace separated tokens from line and returns them
// with the remainder, leading whitespace removed.
func splitN(line string, n int) ([]string, string) {
	var toks []string
	rest := strings.TrimLeft(line, " \t")
	for len(toks) < n && rest != "" {
		i := strings.IndexAny(rest, " \t")
		if i < 0 {
			toks = append(toks, rest)
			rest = ""
			break
		}
		toks = append(toks, rest[:i])
		rest = strings.TrimLeft(rest[i:], " \t")
	}
	return toks, rest
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
