package processor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

// RepairStatus is the verdict of a par2 verify or repair run.
type RepairStatus int

const (
	RepairSuccess RepairStatus = iota
	RepairPossible
	RepairNotPossible
	RepairInvalidArguments
	RepairInsufficientData
	RepairFailed
	RepairIOError
	RepairInternalError
)

func (s RepairStatus) String() string {
	switch s {
	case RepairSuccess:
		return "success"
	case RepairPossible:
		return "repair-possible"
	case RepairNotPossible:
		return "repair-not-possible"
	case RepairInvalidArguments:
		return "invalid-arguments"
	case RepairInsufficientData:
		return "insufficient-data"
	case RepairFailed:
		return "repair-failed"
	case RepairIOError:
		return "io-error"
	case RepairInternalError:
		return "internal-error"
	}
	return "unknown"
}

// statusFromExit maps par2cmdline exit codes, which follow the same order.
func statusFromExit(code int) RepairStatus {
	if code < 0 || code > int(RepairInternalError) {
		return RepairInternalError
	}
	return RepairStatus(code)
}

// ErrNoPar2 is returned when the directory holds no recovery set.
var ErrNoPar2 = errors.New("no par2 files found")

// Repairer defines the behavior for verifying and fixing downloads
type Repairer interface {
	// Repair checks the recovery set in dir. With repair unset it only
	// verifies; otherwise it rebuilds damaged or missing files.
	Repair(ctx context.Context, dir string, repair bool) (RepairStatus, error)
}

type CLIPar2 struct {
	BinaryPath string
}

func NewCLIPar2() (*CLIPar2, error) {
	for _, name := range []string{"par2", "par2repair", "par2cmdline"} {
		if path, err := exec.LookPath(name); err == nil {
			return &CLIPar2{BinaryPath: path}, nil
		}
	}
	return nil, fmt.Errorf("par2 binary not found in PATH")
}

func (c *CLIPar2) Repair(ctx context.Context, dir string, repair bool) (RepairStatus, error) {
	index, err := findPar2Index(dir)
	if err != nil {
		return RepairInvalidArguments, err
	}

	// 'v' is verify, 'r' is repair, '-q' is quiet
	mode := "v"
	if repair {
		mode = "r"
	}
	cmd := exec.CommandContext(ctx, c.BinaryPath, mode, "-q", index)
	cmd.Dir = dir

	output, err := cmd.CombinedOutput()
	if err == nil {
		return RepairSuccess, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		status := statusFromExit(exitErr.ExitCode())
		return status, fmt.Errorf("par2 %s exited with %d (%s): %s", mode, exitErr.ExitCode(), status, strings.TrimSpace(string(output)))
	}
	return RepairInternalError, fmt.Errorf("par2 %s: %w", mode, err)
}

var par2Volume = regexp.MustCompile(`(?i)\.vol\d+[+-]\d+\.par2$`)

// findPar2Index picks the main .par2 file of dir: the one that is not a
// recovery volume, else the smallest file.
func findPar2Index(dir string) (string, error) {
	pars, err := par2Files(dir)
	if err != nil {
		return "", err
	}
	if len(pars) == 0 {
		return "", fmt.Errorf("%w in %s", ErrNoPar2, dir)
	}

	for _, p := range pars {
		if !par2Volume.MatchString(p) {
			return p, nil
		}
	}

	slices.SortFunc(pars, func(a, b string) int {
		return cmp.Compare(fileSize(a), fileSize(b))
	})
	return pars[0], nil
}

func par2Files(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".par2") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	slices.Sort(out)
	return out, nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
