package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/kkshell/kksh/internal/config"
	"github.com/kkshell/kksh/internal/eventloop"
	"github.com/kkshell/kksh/internal/logging"
	"github.com/kkshell/kksh/internal/sessionlog"
	"github.com/kkshell/kksh/internal/ssh"
	"github.com/kkshell/kksh/internal/trust"
)

var (
	connectPort     int
	connectIdentity string
	connectNoX11    bool
	connectLogFile  string
	connectHexLog   string
)

var connectCmd = &cobra.Command{
	Use:               "connect [profile | user@host[:port]]",
	Short:             "Open an interactive shell on an SSH server",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeProfiles,
	RunE:              runConnect,
}

func init() {
	connectCmd.Flags().IntVarP(&connectPort, "port", "p", 0, "server port (overrides the profile)")
	connectCmd.Flags().StringVarP(&connectIdentity, "identity", "i", "", "private key file")
	connectCmd.Flags().BoolVar(&connectNoX11, "no-x11", false, "disable X11 forwarding")
	connectCmd.Flags().StringVar(&connectLogFile, "log-file", "", "record shell output to this file")
	connectCmd.Flags().StringVar(&connectHexLog, "hex-log-file", "", "record shell output as a hex dump")
	rootCmd.AddCommand(connectCmd)
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ep, creds, err := resolveTarget(cfg, args[0])
	if err != nil {
		return err
	}
	if connectPort != 0 {
		if connectPort < 0 || connectPort > 65535 {
			return fmt.Errorf("invalid port %d", connectPort)
		}
		ep.Port = uint16(connectPort)
	}
	if connectIdentity != "" {
		creds.Key = &ssh.KeyCredential{PrivateKeyPath: connectIdentity, PublicKeyPath: connectIdentity + ".pub"}
	} else if creds.Key == nil {
		if path := defaultKey(); path != "" {
			creds.Key = &ssh.KeyCredential{PrivateKeyPath: path, PublicKeyPath: path + ".pub"}
		}
	}

	stdin := int(os.Stdin.Fd())
	interactive := term.IsTerminal(stdin)
	if k := creds.Key; k != nil && k.Passphrase == "" && interactive && encryptedKey(k.PrivateKeyPath) {
		pp, err := promptPassword(fmt.Sprintf("Enter passphrase for key '%s': ", k.PrivateKeyPath))
		if err != nil {
			return err
		}
		k.Passphrase = pp
	}
	if creds.Key == nil && creds.Password == "" && interactive {
		pw, err := promptPassword(fmt.Sprintf("%s@%s's password: ", creds.User, ep.Host))
		if err != nil {
			return err
		}
		creds.Password = pw
	}

	// Log lines would corrupt the raw terminal.
	if interactive {
		logPath := filepath.Join(config.Dir(), "kksh.log")
		if f, err := openLog(logPath); err == nil {
			defer f.Close()
			logging.SetupWriter(f, logLevel)
		}
	}

	sink, closeLogs, err := outputSink()
	if err != nil {
		return err
	}
	defer closeLogs()

	loop := eventloop.New()
	sessionErr := make(chan error, 1)

	opts := ssh.OptionsFromConfig(cfg)
	opts.Loop = loop
	opts.HostKeys = trust.NewStore(cfg.KnownHostsPath())
	opts.OnSessionError = func(_ string, err error) { sessionErr <- err }
	if connectNoX11 {
		opts.X11 = ssh.X11Options{}
	}
	if interactive {
		if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			opts.Cols, opts.Rows = cols, rows
		}
	}
	client, err := ssh.NewClient(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "Connecting to %s@%s...\n", creds.User, ep)
	s, err := client.Bootstrap(ctx, ep, creds)
	if err != nil {
		printConnectHint(err)
		return err
	}

	loopCtx, cancelLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(loopCtx)
	}()
	defer func() {
		cancelLoop()
		<-loopDone
	}()

	restore := func() {}
	if interactive {
		if restore, err = rawMode(stdin, loop, s); err != nil {
			return err
		}
	}
	defer restore()

	loop.Post(func() { client.Attach(s, sink) })
	if interactive {
		stopResize := watchTermResize(int(os.Stdout.Fd()), func(cols, rows int) {
			loop.Post(func() { _ = s.Resize(cols, rows) })
		})
		defer stopResize()
	}

	stdinDone := make(chan error, 1)
	go func() { stdinDone <- pumpStdin(loopCtx, loop, s) }()

	select {
	case err = <-sessionErr:
	case err = <-stdinDone:
	case <-ctx.Done():
	}
	_ = loop.Do(context.Background(), s.Disconnect)

	restore()
	fmt.Fprintf(os.Stderr, "Connection to %s closed.\n", ep.Host)
	if err == nil || errors.Is(err, ssh.RemoteClosed) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// makeRaw is replaced in tests.
var makeRaw = term.MakeRaw

// rawMode puts fd in raw mode. If that fails the bootstrapped session is
// disconnected, since nothing will attach it.
func rawMode(fd int, loop *eventloop.Loop, s *ssh.Session) (restore func(), err error) {
	old, err := makeRaw(fd)
	if err != nil {
		_ = loop.Do(context.Background(), s.Disconnect)
		return nil, fmt.Errorf("setting raw terminal: %w", err)
	}
	return func() { term.Restore(fd, old) }, nil
}

// pumpStdin forwards terminal input to the session until stdin ends or the
// session is gone.
func pumpStdin(ctx context.Context, loop *eventloop.Loop, s *ssh.Session) error {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			var sendErr error
			if derr := loop.Do(ctx, func() { sendErr = s.Send(chunk) }); derr != nil {
				return nil
			}
			if errors.Is(sendErr, ssh.ErrSessionClosed) {
				return nil
			}
			if sendErr != nil {
				return sendErr
			}
		}
		if err != nil {
			return err
		}
	}
}

// outputSink writes shell output to stdout and, when asked, to log files.
func outputSink() (ssh.Sink, func(), error) {
	sinks := []ssh.Sink{ssh.SinkFunc(func(p []byte) { os.Stdout.Write(p) })}
	var logs []*sessionlog.Logger

	closeAll := func() {
		for _, l := range logs {
			l.Close()
		}
	}
	if connectLogFile != "" {
		f, err := openLog(connectLogFile)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		logs = append(logs, sessionlog.Text(nil, f))
	}
	if connectHexLog != "" {
		f, err := openLog(connectHexLog)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("opening hex log file: %w", err)
		}
		logs = append(logs, sessionlog.Hex(nil, f))
	}
	for _, l := range logs {
		sinks = append(sinks, l)
	}
	return sessionlog.Tee(sinks...), closeAll, nil
}

func openLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}

// encryptedKey reports whether path holds a passphrase-protected key.
func encryptedKey(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	_, err = gossh.ParsePrivateKey(data)
	var missing *gossh.PassphraseMissingError
	return errors.As(err, &missing)
}

func printConnectHint(err error) {
	var e *ssh.Error
	if !errors.As(err, &e) {
		return
	}
	switch e.Kind {
	case ssh.HostKeyMismatch:
		fmt.Fprintf(os.Stderr, "  The host key for %s has changed. If this is expected, remove the old\n", e.Endpoint)
		fmt.Fprintf(os.Stderr, "  record with `kksh hosts forget %s` and connect again.\n", e.Endpoint)
	case ssh.AuthFailed:
		fmt.Fprintln(os.Stderr, "  Check the user name, password or key (-i).")
	}
}
