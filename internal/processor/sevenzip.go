package processor

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// 7z file signature (magic bytes)
var sevenZipSignature = []byte{0x37, 0x7A, 0xBC, 0xAF, 0x27, 0x1C}

type CLI7z struct {
	BinaryPath string
}

// NewCLI7z creates a new 7z extractor using the system's 7z binary
func NewCLI7z() (*CLI7z, error) {
	// Try both '7z' and '7za' (7za is often the standalone version)
	path, err := exec.LookPath("7z")
	if err != nil {
		path, err = exec.LookPath("7za")
		if err != nil {
			return nil, fmt.Errorf("7z/7za binary not found in PATH: %w", err)
		}
	}
	return &CLI7z{BinaryPath: path}, nil
}

func (z *CLI7z) Name() string {
	return "7-Zip"
}

// CanExtract accepts .7z files and the first volume (.7z.001) of a split set.
func (z *CLI7z) CanExtract(filePath string) (bool, error) {
	lower := strings.ToLower(filepath.Base(filePath))

	if !strings.HasSuffix(lower, ".7z") && !strings.HasSuffix(lower, ".7z.001") {
		return false, nil
	}

	is7z, err := hasSignature(filePath, sevenZipSignature)
	if err != nil {
		return false, fmt.Errorf("failed to verify 7z signature: %w", err)
	}
	return is7z, nil
}

func (z *CLI7z) Extract(ctx context.Context, archivePath, destDir, password string) ([]string, error) {
	return baseExtract(ctx, archivePath, destDir, func(workDir string) *exec.Cmd {
		// 7z x -o<destination> -y <archive>
		// x = extract with full paths
		// -o = output directory (no space between -o and path)
		// -y = assume yes on all queries
		// -p = password, an empty one keeps 7z from prompting
		args := []string{"x", "-o" + workDir, "-y", "-p" + password, archivePath}
		return exec.CommandContext(ctx, z.BinaryPath, args...)
	})
}
