package container

import (
	"bufio"
	"context"
	"errors"
	"io"
	"iter"
	"regexp"
	"sync/atomic"
)

// regex to match ANSI escape codes (e.g., color codes, cursor moves)
const ansi = "[\u001B\u009B][[\\]()#;?]*(?:(?:(?:[a-zA-Z\\d]*(?:;[a-zA-Z\\d]*)*)?\u0007)|(?:(?:\\d{1,4}(?:;\\d{0,4})*)?[\\dA-PRZcf-ntqry=><~]))"

var ansiRe = regexp.MustCompile(ansi)

const maxLineSize = 1 << 20

var ErrOutputConsumed = errors.New("exec output already consumed")

// WaitFunc blocks until the process exits and returns its exit code.
type WaitFunc func(ctx context.Context) (int, error)

// Exec is a process started inside a container.
type Exec struct {
	output   io.ReadCloser
	wait     WaitFunc
	consumed atomic.Bool
}

func NewExec(output io.ReadCloser, wait WaitFunc) *Exec {
	return &Exec{output: output, wait: wait}
}

// Lines yields the combined stdout/stderr of the process line by line, in
// the order it was produced, with ANSI escape codes removed. The sequence
// ends at EOF or after yielding the first read error. It can be ranged
// over once; later calls yield ErrOutputConsumed.
func (e *Exec) Lines() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !e.consumed.CompareAndSwap(false, true) {
			yield("", ErrOutputConsumed)
			return
		}
		defer e.output.Close()

		scanner := bufio.NewScanner(e.output)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			if !yield(stripANSI(scanner.Text()), nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", err)
		}
	}
}

// Wait returns the exit code once the process has finished.
func (e *Exec) Wait(ctx context.Context) (int, error) {
	return e.wait(ctx)
}

func stripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}
