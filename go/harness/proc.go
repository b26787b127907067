// Copyright 2025 Neondb, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package harness

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// process tracks a directly spawned service binary. Both output streams go
// to a single log file, and a background Wait keeps exit state observable
// without blocking anyone.
type process struct {
	name    string
	cmd     *exec.Cmd
	logFile string
	logF    *os.File
	done    chan struct{}
	waitErr error
}

// startProcess launches cmd with stdout and stderr appended to logFile.
func startProcess(name, logFile string, cmd *exec.Cmd) (*process, error) {
	logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file for %s: %w", name, err)
	}
	cmd.Stdout = logF
	cmd.Stderr = logF

	if err := cmd.Start(); err != nil {
		logF.Close()
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	p := &process{
		name:    name,
		cmd:     cmd,
		logFile: logFile,
		logF:    logF,
		done:    make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		logF.Close()
		close(p.done)
	}()
	return p, nil
}

// exited reports whether the process has terminated.
func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// isRunning checks liveness with a null signal.
func (p *process) isRunning() bool {
	if p == nil || p.cmd == nil || p.cmd.Process == nil || p.exited() {
		return false
	}
	return p.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// kill force-terminates the process and waits for it to go away.
func (p *process) kill() {
	if p.exited() {
		return
	}
	_ = p.cmd.Process.Kill()
	<-p.done
}

// terminateGracefully sends SIGTERM and waits up to timeout before falling
// back to SIGKILL.
func (p *process) terminateGracefully(timeout time.Duration) {
	if p.exited() {
		return
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.kill()
		return
	}
	select {
	case <-p.done:
	case <-time.After(timeout):
		p.kill()
	}
}

// recentOutput returns the tail of the process log for error messages.
func (p *process) recentOutput(maxBytes int) string {
	content, err := os.ReadFile(p.logFile)
	if err != nil {
		return fmt.Sprintf("(failed to read %s: %v)", p.logFile, err)
	}
	if len(content) > maxBytes {
		content = content[len(content)-maxBytes:]
	}
	return string(content)
}
