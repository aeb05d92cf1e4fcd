package toolchain

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

const (
	maxLineBytes = 1 << 20

	// waitDelay bounds how long Wait blocks on output held open by
	// grandchildren after the tool was killed.
	waitDelay = 5 * time.Second
)

// exportScript sources the IDF environment, then runs idf.py with the
// remaining arguments. $0 is the IDF path.
const exportScript = `. "$0/export.sh" >/dev/null 2>&1 && exec idf.py "$@"`

// idf builds an idf.py invocation, wrapped in the export script when an IDF
// path is configured.
func (e *ESP) idf(ctx context.Context, args ...string) *exec.Cmd {
	if e.idfPath == "" {
		return e.command(ctx, "idf.py", args...)
	}
	return e.command(ctx, "sh", append([]string{"-c", exportScript, e.idfPath}, args...)...)
}

// stream runs cmd in dir and feeds every output line, stdout and stderr
// merged, to progress. The error names the last line seen.
func stream(cmd *exec.Cmd, dir string, progress func(string)) error {
	cmd.Dir = dir
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = waitDelay
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return fmt.Errorf("start %s: %w", describe(cmd), err)
	}

	var last string
	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for sc.Scan() {
			line := sc.Text()
			if strings.TrimSpace(line) != "" {
				last = line
			}
			if progress != nil {
				progress(line)
			}
		}
		_, _ = io.Copy(io.Discard, pr)
	}()

	err := cmd.Wait()
	_ = pw.Close()
	<-scanned

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s exited with code %d: %s", describe(cmd), exitErr.ExitCode(), strings.TrimSpace(last))
		}
		return fmt.Errorf("%s: %w", describe(cmd), err)
	}
	return nil
}

func describe(cmd *exec.Cmd) string {
	if len(cmd.Args) == 0 {
		return cmd.Path
	}
	return strings.Join(cmd.Args, " ")
}

// BuildFirmware runs idf.py fullclean (unless skipClean) and idf.py build
// in workspace. A failing fullclean is reported and ignored.
func (e *ESP) BuildFirmware(ctx context.Context, workspace string, skipClean bool, progress func(string)) error {
	if !skipClean {
		if err := stream(e.idf(ctx, "fullclean"), workspace, progress); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.log.Warnw("idf.py fullclean failed", "workspace", workspace, "error", err)
		}
	}
	if err := stream(e.idf(ctx, "build"), workspace, progress); err != nil {
		return fmt.Errorf("build firmware: %w", err)
	}
	return nil
}

// FlashFirmware erases the chip on port and flashes the build in workspace.
func (e *ESP) FlashFirmware(ctx context.Context, workspace, port string, progress func(string)) error {
	if err := stream(e.idf(ctx, "-p", port, "erase_flash"), workspace, progress); err != nil {
		return fmt.Errorf("erase flash: %w", err)
	}
	if err := stream(e.idf(ctx, "-p", port, "flash"), workspace, progress); err != nil {
		return fmt.Errorf("flash firmware: %w", err)
	}
	return nil
}
