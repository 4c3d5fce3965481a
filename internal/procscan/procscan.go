// Package procscan enumerates and terminates OS processes by executable
// name. Command construction is platform-specific; the contract is not:
// "no processes found" is an empty result, while genuine OS failures
// (command missing, permission denied) wrap ErrScanFailed.
package procscan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/fleetdeck/fleetdeck/internal/logging"
	"github.com/fleetdeck/fleetdeck/internal/platform"
)

var scanLog = logging.ForComponent(logging.CompProcScan)

// ErrScanFailed wraps OS-level failures of the process-table commands.
var ErrScanFailed = errors.New("process scan failed")

// Process is one row of the process table.
type Process struct {
	PID  int    `json:"pid"`
	Name string `json:"name"`
}

// Scanner lists and terminates processes matching an executable name.
type Scanner interface {
	List(ctx context.Context, name string) ([]Process, error)
	Terminate(ctx context.Context, pid int) error
}

// ExecScanner shells out to the platform's process-table commands.
type ExecScanner struct{}

// NewScanner returns the platform scanner.
func NewScanner() *ExecScanner {
	return &ExecScanner{}
}

// List returns all processes whose executable name matches name exactly.
func (s *ExecScanner) List(ctx context.Context, name string) ([]Process, error) {
	if platform.UsesWindowsProcessTable() {
		return s.listWindows(ctx, name)
	}
	return s.listUnix(ctx, name)
}

func (s *ExecScanner) listWindows(ctx context.Context, name string) ([]Process, error) {
	filter := fmt.Sprintf("IMAGENAME eq %s", name)
	cmd := exec.CommandContext(ctx, tasklistCommand(), "/FO", "CSV", "/NH", "/FI", filter)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: tasklist: %v", ErrScanFailed, err)
	}
	return ParseTasklistCSV(string(out)), nil
}

func (s *ExecScanner) listUnix(ctx context.Context, name string) ([]Process, error) {
	cmd := exec.CommandContext(ctx, "pgrep", "-x", name)
	out, err := cmd.Output()
	if err != nil {
		// pgrep exits 1 when nothing matched; that is a valid empty result.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: pgrep: %v", ErrScanFailed, err)
	}
	return ParsePgrepOutput(string(out), name), nil
}

// Terminate force-kills pid. OS errors (no such process, permission denied)
// are surfaced to the caller.
func (s *ExecScanner) Terminate(ctx context.Context, pid int) error {
	var cmd *exec.Cmd
	if platform.UsesWindowsProcessTable() {
		cmd = exec.CommandContext(ctx, taskkillCommand(), "/F", "/PID", strconv.Itoa(pid))
	} else {
		cmd = exec.CommandContext(ctx, "kill", "-9", strconv.Itoa(pid))
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		scanLog.Warn("terminate_failed",
			slog.Int("pid", pid),
			slog.String("output", strings.TrimSpace(string(out))),
			slog.String("error", err.Error()))
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}
	return nil
}

// Under WSL the Windows binaries are on PATH as *.exe.
func tasklistCommand() string {
	if platform.Detect() == platform.PlatformWSL {
		return "tasklist.exe"
	}
	return "tasklist"
}

func taskkillCommand() string {
	if platform.Detect() == platform.PlatformWSL {
		return "taskkill.exe"
	}
	return "taskkill"
}

// ParseTasklistCSV parses `tasklist /FO CSV /NH` output. Lines look like:
//
//	"GameClient.exe","1234","Console","1","154,232 K"
//
// When the filter matches nothing tasklist prints an INFO: line instead of
// CSV; that parses to an empty result.
func ParseTasklistCSV(out string) []Process {
	var procs []Process
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, `"`) {
			continue
		}
		fields := splitCSVLine(line)
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		procs = append(procs, Process{PID: pid, Name: fields[0]})
	}
	return procs
}

// ParsePgrepOutput parses `pgrep -x` output: one pid per line.
func ParsePgrepOutput(out, name string) []Process {
	var procs []Process
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		procs = append(procs, Process{PID: pid, Name: name})
	}
	return procs
}

// splitCSVLine splits a quoted tasklist CSV row. tasklist never emits
// embedded quotes, so a simple state machine is enough.
func splitCSVLine(line string) []string {
	var fields []string
	var cur strings.Builder
	inQuote := false
	for _, r := range line {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == ',' && !inQuote:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	fields = append(fields, cur.String())
	return fields
}
