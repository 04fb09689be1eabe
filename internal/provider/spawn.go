package provider

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	xerrors "ChainForge/internal/errors"
	"ChainForge/pkg/logger"
)

const spawnReadyTimeout = 30 * time.Second

// managedProcess wraps a locally spawned fork process (anvil or compatible).
type managedProcess struct {
	cmd      *exec.Cmd
	endpoint string
	port     uint16

	mu         sync.Mutex
	stderrTail []string
	done       chan struct{}
}

// spawnManaged starts the fork binary for the given definition and waits
// until it reports a listening endpoint. The returned error carries the
// process diagnostic (stderr tail) when startup fails.
func spawnManaged(ctx context.Context, name string, def ChainDefinition) (*managedProcess, error) {
	binary := strings.TrimSpace(def.Binary)
	if binary == "" {
		binary = "anvil"
	}

	port := def.Port
	if port == 0 {
		free, err := freePort()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeSpawnFailed, err, "allocate port for "+name)
		}
		port = free
	}

	args := []string{
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(int(port)),
		"--chain-id", strconv.FormatUint(def.ChainID, 10),
	}
	if forkURL := strings.TrimSpace(expandEnv(def.ForkURL)); forkURL != "" {
		args = append(args, "--fork-url", forkURL)
		if def.ForkBlockNumber > 0 {
			args = append(args, "--fork-block-number", strconv.FormatUint(def.ForkBlockNumber, 10))
		}
	}
	if def.BlockTime > 0 {
		args = append(args, "--block-time", strconv.FormatUint(def.BlockTime, 10))
	}
	accounts := def.Accounts
	if accounts == 0 {
		accounts = 10
	}
	args = append(args, "--accounts", strconv.FormatUint(uint64(accounts), 10))
	if def.Mnemonic != "" {
		args = append(args, "--mnemonic", def.Mnemonic)
	}

	cmd := exec.Command(binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSpawnFailed, err, "pipe stdout for "+name)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSpawnFailed, err, "pipe stderr for "+name)
	}

	if err := cmd.Start(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSpawnFailed, err, fmt.Sprintf("start %s for chain %s", binary, name))
	}

	proc := &managedProcess{
		cmd:  cmd,
		port: port,
		done: make(chan struct{}),
	}

	go proc.drainStderr(name, stderr)

	ready := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		listening := false
		for scanner.Scan() {
			line := scanner.Text()
			logger.Named("provider").Debug("managed instance output",
				"chain", name, "line", line)
			if !listening && strings.Contains(line, "Listening on") {
				listening = true
				ready <- nil
			}
		}
		if !listening {
			ready <- fmt.Errorf("process exited before listening: %s", proc.diagnostic())
		}
		close(proc.done)
	}()

	deadline := spawnReadyTimeout
	if d, ok := ctx.Deadline(); ok {
		if until := time.Until(d); until < deadline {
			deadline = until
		}
	}

	select {
	case err := <-ready:
		if err != nil {
			_ = proc.stop()
			return nil, xerrors.Wrap(xerrors.CodeSpawnFailed, err, "spawn managed instance "+name)
		}
	case <-time.After(deadline):
		_ = proc.stop()
		return nil, xerrors.New(xerrors.CodeSpawnFailed,
			fmt.Sprintf("managed instance %s not ready within %s: %s", name, deadline, proc.diagnostic()))
	case <-ctx.Done():
		_ = proc.stop()
		return nil, ctx.Err()
	}

	proc.endpoint = fmt.Sprintf("http://127.0.0.1:%d", port)
	return proc, nil
}

func (p *managedProcess) drainStderr(name string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		p.mu.Lock()
		// Keep only the most recent lines for the spawn diagnostic.
		if len(p.stderrTail) >= 16 {
			p.stderrTail = p.stderrTail[1:]
		}
		p.stderrTail = append(p.stderrTail, line)
		p.mu.Unlock()
		logger.Named("provider").Debug("managed instance stderr", "chain", name, "line", line)
	}
}

// diagnostic returns the captured stderr tail joined for error reporting.
func (p *managedProcess) diagnostic() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.stderrTail) == 0 {
		return "no process output"
	}
	return strings.Join(p.stderrTail, "; ")
}

// stop terminates the process and waits for it to exit.
func (p *managedProcess) stop() error {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return err
	}
	_ = p.cmd.Wait()
	return nil
}

func freePort() (uint16, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return uint16(l.Addr().(*net.TCPAddr).Port), nil
}
