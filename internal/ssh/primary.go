package ssh

import (
	"encoding/binary"
	"errors"
	"sort"

	gossh "golang.org/x/crypto/ssh"

	"github.com/kkshell/kksh/internal/nbio"
)

// RFC 4254 §6.2, §6.3.1, §6.7 request payloads.
type ptyRequestMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

type x11RequestMsg struct {
	SingleConnection bool
	AuthProtocol     string
	AuthCookie       string
	ScreenNumber     uint32
}

type windowChangeMsg struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

type exitStatusMsg struct {
	Status uint32
}

var defaultModes = gossh.TerminalModes{
	gossh.ECHO:          1,
	gossh.TTY_OP_ISPEED: 14400,
	gossh.TTY_OP_OSPEED: 14400,
}

// encodeModes serialises terminal modes in opcode order, ending with
// TTY_OP_END.
func encodeModes(modes gossh.TerminalModes) string {
	ops := make([]int, 0, len(modes))
	for op := range modes {
		ops = append(ops, int(op))
	}
	sort.Ints(ops)

	buf := make([]byte, 0, len(ops)*5+1)
	for _, op := range ops {
		buf = append(buf, byte(op))
		buf = binary.BigEndian.AppendUint32(buf, modes[uint8(op)])
	}
	return string(append(buf, 0))
}

// primary is the interactive shell channel.
type primary struct {
	ch         gossh.Channel
	stream     *nbio.Stream
	buf        []byte
	stderrDone bool
}

// drain forwards all buffered stdout then stderr to the session's sink. It
// returns io.EOF when the remote closed the channel and a hard error when
// reading failed; would-block is not an error.
func (p *primary) drain(s *Session) error {
	stdoutErr := p.drainOne(s, p.stream.Read)
	if s.state != stateAttached {
		return nil
	}
	if !p.stderrDone {
		if err := p.drainOne(s, p.stream.ReadStderr); err != nil {
			// Channel end is reported through stdout.
			p.stderrDone = true
		}
	}
	return stdoutErr
}

func (p *primary) drainOne(s *Session, read func([]byte) (int, error)) error {
	for s.state == stateAttached {
		n, err := read(p.buf)
		if n > 0 {
			s.sink.Feed(p.buf[:n])
		}
		if errors.Is(err, nbio.ErrWouldBlock) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *primary) resize(cols, rows int) error {
	_, err := p.ch.SendRequest("window-change", false, gossh.Marshal(windowChangeMsg{
		Columns: uint32(cols),
		Rows:    uint32(rows),
	}))
	return err
}

func (p *primary) close() {
	if p.stream != nil {
		p.stream.Close()
		return
	}
	p.ch.Close()
}

// openPrimary opens the session channel, requests a pty and (optionally)
// X11 forwarding, and starts the shell.
func (s *Session) openPrimary() error {
	opts := s.client.opts

	ch, reqs, err := s.sshConn.OpenChannel("session", nil)
	if err != nil {
		return s.channelErr("opening session channel", err)
	}
	ch = s.client.trackChannel(ch)
	s.primary = &primary{ch: ch, buf: make([]byte, 32*1024)}
	go s.serveChannelRequests(reqs)

	pty := ptyRequestMsg{
		Term:     opts.Term,
		Columns:  uint32(opts.Cols),
		Rows:     uint32(opts.Rows),
		Modelist: encodeModes(defaultModes),
	}
	if err := sendChannelRequest(ch, "pty-req", gossh.Marshal(pty)); err != nil {
		return s.channelErr("pty-req", err)
	}

	if opts.X11.Enabled {
		cookie, err := newX11Cookie()
		if err != nil {
			return s.channelErr("x11-req", err)
		}
		req := x11RequestMsg{
			AuthProtocol: x11AuthProtocol,
			AuthCookie:   cookie,
			ScreenNumber: opts.X11.Screen,
		}
		if err := sendChannelRequest(ch, "x11-req", gossh.Marshal(req)); err != nil {
			return s.channelErr("x11-req", err)
		}
	}

	if err := sendChannelRequest(ch, "shell", nil); err != nil {
		return s.channelErr("shell", err)
	}

	s.primary.stream = nbio.New(ch, nbio.Options{
		Stderr:      ch.Stderr(),
		ReadBuffer:  opts.ReadBuffer,
		WriteBuffer: opts.WriteBuffer,
	})
	return nil
}

var errRequestRejected = errors.New("request rejected by server")

func sendChannelRequest(ch gossh.Channel, name string, payload []byte) error {
	ok, err := ch.SendRequest(name, true, payload)
	if err != nil {
		return err
	}
	if !ok {
		return errRequestRejected
	}
	return nil
}

func (s *Session) channelErr(detail string, err error) error {
	return &Error{Kind: ChannelFailed, Endpoint: s.ep, Detail: detail, Err: s.ctxErr(err)}
}

// serveChannelRequests answers requests the server sends on the shell
// channel. Only exit-status carries anything worth logging.
func (s *Session) serveChannelRequests(reqs <-chan *gossh.Request) {
	for req := range reqs {
		if req.Type == "exit-status" {
			var msg exitStatusMsg
			if err := gossh.Unmarshal(req.Payload, &msg); err == nil {
				s.log.Debug("remote shell exited", "status", msg.Status)
			}
		}
		if req.WantReply {
			req.Reply(false, nil)
		}
	}
}
