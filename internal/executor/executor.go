package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/dlaunch/internal/resolve"
	sshx "github.com/3cpo-dev/dlaunch/internal/ssh"
)

// pidMarker prefixes the first stdout line of background launches so the
// remote shell PID can be recorded without a separate round trip.
const pidMarker = "DLAUNCH_SHELL_PID="

// envDenyList holds display-only or terminal-state variables that corrupt a
// non-interactive shell when exported into it.
var envDenyList = map[string]bool{
	"TERM":           true,
	"TERMCAP":        true,
	"COLORTERM":      true,
	"DISPLAY":        true,
	"PS1":            true,
	"PROMPT_COMMAND": true,
	"LS_COLORS":      true,
	"SSH_TTY":        true,
}

// Executor runs commands on cluster nodes over SSH.
type Executor struct {
	User           string
	Port           int
	KeyPath        string
	ConnectTimeout time.Duration
	Retries        int

	Resolver *resolve.Resolver

	signer xssh.Signer
}

// New builds an executor and validates the key up front: a misconfigured key
// would corrupt every subsequent remote call, so permission problems are
// fatal here, after one automatic repair attempt.
func New(keyPath string, port int, user string) (*Executor, error) {
	if err := sshx.EnsureKeyPermissions(keyPath); err != nil {
		return nil, err
	}
	signer, err := sshx.LoadPrivateKeySigner(keyPath)
	if err != nil {
		return nil, err
	}
	return &Executor{
		User:           user,
		Port:           port,
		KeyPath:        keyPath,
		ConnectTimeout: 15 * time.Second,
		Retries:        2,
		Resolver:       resolve.Default(),
		signer:         signer,
	}, nil
}

func (e *Executor) client(hostname string) *sshx.Client {
	addr := hostname
	if e.Resolver != nil {
		addr = e.Resolver.Resolve(hostname)
	}
	return &sshx.Client{
		Addr:    fmt.Sprintf("%s:%d", addr, e.Port),
		User:    e.User,
		Signer:  e.signer,
		Timeout: e.ConnectTimeout,
		Retries: e.Retries,
	}
}

// Dial opens a raw SSH connection to a node, for callers that need more
// than command execution (e.g. SFTP pushes). The caller closes it.
func (e *Executor) Dial(ctx context.Context, hostname string) (*xssh.Client, error) {
	return sshx.Dial(ctx, e.client(hostname))
}

// RunSync executes a command on a node and blocks until it finishes.
func (e *Executor) RunSync(ctx context.Context, hostname, command string, env map[string]string, workDir string) (int, string, string, error) {
	remote := BuildRemoteCommand(command, env, workDir)
	return e.client(hostname).Exec(ctx, remote)
}

// TestConnection reports whether a trivial command succeeds on the node.
func (e *Executor) TestConnection(ctx context.Context, hostname string) bool {
	code, _, _, err := e.RunSync(ctx, hostname, `echo ok`, nil, "")
	return err == nil && code == 0
}

// Handle tracks one background remote launch. Remote output streams to the
// caller's stdout/stderr so training logs stay visible live.
type Handle struct {
	Hostname string
	Rank     int

	client  *xssh.Client
	session *xssh.Session
	pidCh   chan int
	pid     int
	copied  chan struct{}
}

// PID returns the remote shell's process id, or -1 when the marker never
// arrived (e.g. the command failed before the shell started).
func (h *Handle) PID() int {
	if h.pid != 0 {
		return h.pid
	}
	select {
	case p := <-h.pidCh:
		h.pid = p
	case <-time.After(5 * time.Second):
		h.pid = -1
	}
	return h.pid
}

// Wait blocks until the remote command exits and returns its exit code.
func (h *Handle) Wait() int {
	err := h.session.Wait()
	<-h.copied
	h.session.Close()
	h.client.Close()
	if err == nil {
		return 0
	}
	var exitErr *xssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus()
	}
	return -1
}

// RunBackground starts a command on a node without waiting for it. The
// launch is non-blocking once the session is established; start skew across
// nodes stays minimal because nothing is awaited here.
func (e *Executor) RunBackground(ctx context.Context, hostname string, rank int, command string, env map[string]string, workDir string) (*Handle, error) {
	cli, err := sshx.Dial(ctx, e.client(hostname))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", hostname, err)
	}
	session, err := cli.NewSession()
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("session %s: %w", hostname, err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		cli.Close()
		return nil, fmt.Errorf("stdout %s: %w", hostname, err)
	}
	session.Stderr = os.Stderr

	remote := BuildRemoteCommand(command, env, workDir)
	remote = withPIDMarker(remote)
	if err := session.Start(remote); err != nil {
		session.Close()
		cli.Close()
		return nil, fmt.Errorf("start on %s: %w", hostname, err)
	}

	h := &Handle{
		Hostname: hostname,
		Rank:     rank,
		client:   cli,
		session:  session,
		pidCh:    make(chan int, 1),
		copied:   make(chan struct{}),
	}
	go h.pump(stdout)
	return h, nil
}

// pump forwards remote stdout to the local one, peeling off the PID marker.
func (h *Handle) pump(r io.Reader) {
	defer close(h.copied)
	br := bufio.NewReader(r)
	sent := false
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			if !sent && strings.HasPrefix(line, pidMarker) {
				if pid, convErr := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, pidMarker))); convErr == nil {
					h.pidCh <- pid
					sent = true
					continue
				}
			}
			fmt.Fprint(os.Stdout, line)
		}
		if err != nil {
			if !sent {
				h.pidCh <- -1
			}
			return
		}
	}
}

func withPIDMarker(wrapped string) string {
	// The marker echo must run inside the remote shell, before the wrapped
	// sequence, so $$ is the shell that owns the workload's process group.
	return strings.Replace(wrapped, "-c '", "-c 'echo \""+pidMarker+"$$\" && ", 1)
}

// BuildRemoteCommand assembles the full remote invocation:
// fd-limit raise (best effort), optional workdir change, explicit exports
// for every environment pair, then the user command, joined with && and
// wrapped in a clean non-interactive, non-login shell so interactive rc
// files cannot contaminate the run.
func BuildRemoteCommand(command string, env map[string]string, workDir string) string {
	var parts []string
	parts = append(parts, "{ ulimit -n 1048576; } 2>/dev/null || true")
	if workDir != "" {
		parts = append(parts, "cd "+shellQuote(workDir))
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		if envDenyList[k] {
			log.Debug().Str("var", k).Msg("dropping deny-listed environment variable")
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, "export "+k+"="+shellQuote(env[k]))
	}
	parts = append(parts, command)
	inner := strings.Join(parts, " && ")
	return "bash --noprofile --norc -c " + shellQuote(inner)
}

// shellQuote single-quotes s for a POSIX shell, escaping embedded quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
