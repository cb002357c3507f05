package processor

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// RAR file signatures (magic bytes)
var rarSignatures = [][]byte{
	{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x00},       // RAR 1.5+
	{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x01, 0x00}, // RAR 5.0+
}

var (
	rarPartVolume     = regexp.MustCompile(`\.part(\d+)\.rar$`)
	rarOldVolume      = regexp.MustCompile(`\.r\d{2,3}$`)
	firstVolumeNumber = regexp.MustCompile(`^0*1$`)
)

type CLIUnrar struct {
	BinaryPath string
}

// NewCLIUnrar creates a new UnRAR extractor using the system's unrar binary.
// Returns an error if the unrar binary is not found in PATH.
func NewCLIUnrar() (*CLIUnrar, error) {
	path, err := exec.LookPath("unrar")
	if err != nil {
		return nil, fmt.Errorf("unrar binary not found in PATH: %w", err)
	}
	return &CLIUnrar{BinaryPath: path}, nil
}

func (u *CLIUnrar) Name() string {
	return "RAR"
}

// CanExtract accepts .rar files with a RAR signature. Of a multi-volume
// set only the first volume (.part1/.part01/.part001, or the .rar of an
// old-style .r00 set) is accepted.
func (u *CLIUnrar) CanExtract(filePath string) (bool, error) {
	lower := strings.ToLower(filepath.Base(filePath))

	if rarOldVolume.MatchString(lower) || !strings.HasSuffix(lower, ".rar") {
		return false, nil
	}

	if m := rarPartVolume.FindStringSubmatch(lower); m != nil && !firstVolumeNumber.MatchString(m[1]) {
		return false, nil
	}

	isRar, err := hasSignature(filePath, rarSignatures...)
	if err != nil {
		return false, fmt.Errorf("failed to verify RAR signature: %w", err)
	}
	return isRar, nil
}

func (u *CLIUnrar) Extract(ctx context.Context, archivePath, destDir, password string) ([]string, error) {
	return baseExtract(ctx, archivePath, destDir, func(workDir string) *exec.Cmd {
		// unrar x -o+ -y <archive> <destination>
		// x = extract with full paths
		// -o+ = overwrite existing files
		// -y = assume yes on all queries (non-interactive)
		// -kb = keep broken
		args := []string{"x", "-o+", "-y", "-kb"}

		if password != "" {
			args = append(args, "-p"+password)
		} else {
			args = append(args, "-p-")
		}

		args = append(args, archivePath, workDir+string(filepath.Separator))
		return exec.CommandContext(ctx, u.BinaryPath, args...)
	})
}
