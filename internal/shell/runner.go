// Package shell executes one build stage script as a supervised subprocess,
// streaming combined stdout/stderr line by line and honouring cooperative
// cancellation.
package shell

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"git.home.luguber.info/inful/buildhost/internal/cancel"
)

// Outcome is the result of running one stage script.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// LineFunc receives one completed output line, in production order. Every
// produced line (or synthesized diagnostic) is delivered exactly once.
type LineFunc func(line string)

// idleSleep is how long the read loop sleeps when no output is ready; the
// cancellation source is polled at least once per tick.
const idleSleep = 10 * time.Millisecond

// Runner executes stage scripts inside one run's working directory.
type Runner struct {
	workDir  string
	varsFile string
	env      []string
}

// NewRunner creates a runner rooted at workDir, which must already exist.
func NewRunner(workDir string) *Runner {
	return &Runner{
		workDir:  workDir,
		varsFile: filepath.Join(workDir, VarsFileName),
	}
}

// SetEnv replaces the environment passed to stage subprocesses.
func (r *Runner) SetEnv(env []string) { r.env = env }

// Run executes the script as a child process. Preparation and launch
// failures are reported through lineFn as diagnostic lines and mapped to
// OutcomeFailed; Run never panics or returns an error to the caller.
func (r *Runner) Run(script string, stageName string, cancelSrc cancel.Source, lineFn LineFunc) Outcome {
	if cancelSrc != nil && cancelSrc.Cancelled() {
		lineFn("build terminated, skipping script execution")
		return OutcomeCancelled
	}

	scriptPath, err := r.materializeScript(script, stageName)
	if err != nil {
		lineFn(fmt.Sprintf("failed to prepare stage script: %v", err))
		return OutcomeFailed
	}
	defer os.Remove(scriptPath)

	return r.execute(scriptPath, cancelSrc, lineFn)
}

func (r *Runner) execute(scriptPath string, cancelSrc cancel.Source, lineFn LineFunc) Outcome {
	cmd := exec.Command("/bin/bash", scriptPath)
	cmd.Dir = r.workDir
	cmd.Env = r.env

	// Merge stderr into stdout on a single pipe so the OS preserves the
	// interleaving the process produced.
	pr, pw, err := os.Pipe()
	if err != nil {
		lineFn(fmt.Sprintf("failed to create output pipe: %v", err))
		return OutcomeFailed
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		lineFn(fmt.Sprintf("failed to launch stage script: %v", err))
		return OutcomeFailed
	}
	pw.Close() // parent keeps only the read end

	lines := make(chan string, 256)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer pr.Close()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	cancelled := false
	drained := false
	for !drained {
		select {
		case line, ok := <-lines:
			if !ok {
				drained = true
				break
			}
			lineFn(line)
			if cancelSrc != nil && !cancelled && cancelSrc.Cancelled() {
				cancelled = true
				r.terminate(cmd, lineFn)
			}
		default:
			if cancelSrc != nil && !cancelled && cancelSrc.Cancelled() {
				cancelled = true
				r.terminate(cmd, lineFn)
			}
			if cancelled {
				// Do not wait for natural exit; keep draining so the reader
				// can reach EOF and close the pipe, then reap in the
				// background.
				go func() {
					for range lines {
					}
					_ = cmd.Wait()
				}()
				return OutcomeCancelled
			}
			time.Sleep(idleSleep)
		}
	}
	<-readDone

	err = cmd.Wait()
	if cancelled {
		return OutcomeCancelled
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			lineFn(fmt.Sprintf("script failed with exit code %d", exitErr.ExitCode()))
		} else {
			lineFn(fmt.Sprintf("script execution error: %v", err))
		}
		return OutcomeFailed
	}
	return OutcomeSuccess
}

// terminate sends SIGTERM to the child. A process that ignores the signal
// can outlive the logical cancellation; that risk is accepted.
func (r *Runner) terminate(cmd *exec.Cmd, lineFn LineFunc) {
	lineFn("build terminated, stopping current script")
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			_ = cmd.Process.Kill()
		}
	}
}
