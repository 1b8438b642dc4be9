package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/alessio/shellescape"
	"github.com/creack/pty"
	"github.com/go-git/go-git/v5/plumbing"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/snaptest/snaptest/cmd/snaptest/cli/paths"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/settings"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/validation"
)

// exitStatusUnknown is reported when ssh ended without an exit code,
// matching the status ssh itself uses for connection failures.
const exitStatusUnknown = 255

// SSHExecutor pushes snapshots with `git push` over ssh and runs scripts
// with `ssh <host> sh -c <script>`.
type SSHExecutor struct {
	// Host is the ssh destination, [user@]host[:port].
	Host string
	// Path is the repository directory on the remote host.
	Path string
	// RepoDir is the local repository root used for git push.
	RepoDir string
	// UsePTY allocates a local pseudo-terminal and asks ssh for a remote one,
	// so remote tools keep terminal output and die with the connection.
	UsePTY bool

	// SSHBinary and GitBinary default to "ssh" and "git".
	SSHBinary string
	GitBinary string
}

var _ Executor = (*SSHExecutor)(nil)

// NewSSHExecutor returns an executor for cfg's remote host pushing from repoDir.
func NewSSHExecutor(cfg settings.Config, repoDir string, usePTY bool) *SSHExecutor {
	return &SSHExecutor{
		Host:    cfg.RemoteHost,
		Path:    cfg.RemotePath,
		RepoDir: repoDir,
		UsePTY:  usePTY,
	}
}

func (e *SSHExecutor) Transfer(ctx context.Context, commit plumbing.Hash, remoteName string) error {
	if err := validation.ValidateRemoteName(remoteName); err != nil {
		return err //nolint:wrapcheck // validation errors are already descriptive
	}

	refspec := fmt.Sprintf("+%s:%s%s", commit, paths.RemoteRefPrefix, remoteName)
	args := []string{"push", "--quiet", "--no-verify", e.PushURL(), refspec}

	cmd := exec.CommandContext(ctx, binaryOr(e.GitBinary, "git"), args...) //nolint:gosec // args are validated above
	cmd.Dir = e.RepoDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %w", ErrExecutorUnavailable, err)
		}
		return &CommandError{Operation: "git push", Args: args, Output: string(output), Err: err}
	}
	return nil
}

func (e *SSHExecutor) Execute(ctx context.Context, script string, out io.Writer) (ExecResult, error) {
	args := e.SSHArgs("sh -c " + shellescape.Quote(script))
	cmd := exec.CommandContext(ctx, binaryOr(e.SSHBinary, "ssh"), args...) //nolint:gosec // destination is validated in settings

	start := time.Now()
	var err error
	if e.UsePTY {
		err = runWithPTY(cmd, out)
	} else {
		err = runWithPipes(cmd, out)
	}
	res := ExecResult{Duration: time.Since(start)}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitStatus = exitErr.ExitCode()
		if res.ExitStatus < 0 {
			res.ExitStatus = exitStatusUnknown
		}
		return res, nil
	}
	if isNotFound(err) {
		return res, fmt.Errorf("%w: %w", ErrExecutorUnavailable, err)
	}
	return res, &CommandError{Operation: "ssh", Args: args[:len(args)-1], Err: err}
}

// SSHArgs returns the ssh arguments that run remoteCommand on the host.
func (e *SSHExecutor) SSHArgs(remoteCommand string) []string {
	dest, port := splitPort(e.Host)
	args := []string{"-T"}
	if e.UsePTY {
		args = []string{"-t"}
	}
	if port != "" {
		args = append(args, "-p", port)
	}
	return append(args, "--", sshDest(dest), remoteCommand)
}

// PushURL returns the git URL of the remote repository. scp-like syntax is
// used unless a port is given, which needs the ssh:// form.
func (e *SSHExecutor) PushURL() string {
	dest, port := splitPort(e.Host)
	if port == "" {
		return dest + ":" + e.Path
	}
	path := e.Path
	if strings.HasPrefix(path, "~") {
		path = "/" + path
	}
	return fmt.Sprintf("ssh://%s:%s%s", dest, port, path)
}

// splitPort splits "user@host:22" into "user@host" and "22". An IPv6
// address must be bracketed to carry a port ("user@[::1]:22"); the brackets
// stay in dest since git needs them in push URLs.
func splitPort(host string) (dest, port string) {
	if i := strings.LastIndexByte(host, ']'); i >= 0 {
		if rest := host[i+1:]; strings.HasPrefix(rest, ":") && isDigits(rest[1:]) {
			return host[:i+1], rest[1:]
		}
		return host, ""
	}
	i := strings.IndexByte(host, ':')
	if i < 0 || strings.IndexByte(host[i+1:], ':') >= 0 || !isDigits(host[i+1:]) {
		return host, ""
	}
	return host[:i], host[i+1:]
}

// sshDest drops IPv6 brackets, which ssh does not accept in a destination.
func sshDest(dest string) string {
	return strings.NewReplacer("[", "", "]", "").Replace(dest)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist)
}

func binaryOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

// runWithPipes streams stdout and stderr into out concurrently and waits for the command.
func runWithPipes(cmd *exec.Cmd, out io.Writer) error {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", cmd.Path, err)
	}

	w := &lockedWriter{w: out}
	var g errgroup.Group
	g.Go(func() error { return pump(w, stdout) })
	g.Go(func() error { return pump(w, stderr) })
	copyErr := g.Wait()

	if err := cmd.Wait(); err != nil {
		return err //nolint:wrapcheck // callers inspect *exec.ExitError
	}
	return copyErr
}

// runWithPTY attaches the command to a new pseudo-terminal and copies
// everything it prints into out.
func runWithPTY(cmd *exec.Cmd, out io.Writer) error {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("starting %s on a pty: %w", cmd.Path, err)
	}
	defer ptmx.Close()

	if term.IsTerminal(int(os.Stdin.Fd())) { //nolint:gosec // fd fits in int
		_ = pty.InheritSize(os.Stdin, ptmx) //nolint:errcheck // a default size is fine
	}

	copyErr := pump(out, ptmx)
	if err := cmd.Wait(); err != nil {
		return err //nolint:wrapcheck // callers inspect *exec.ExitError
	}
	return copyErr
}

// pump copies r into w. EIO is how a pty master reports that the other side
// has closed and counts as a normal end of output.
func pump(w io.Writer, r io.Reader) error {
	_, err := io.Copy(w, r)
	if err != nil && !errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("copying remote output: %w", err)
	}
	return nil
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p) //nolint:wrapcheck // pass-through writer
}
