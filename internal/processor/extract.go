package processor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Extractor defines the behavior for extracting compressed archives
type Extractor interface {
	// Extract unpacks archivePath into destDir and returns the paths of the
	// extracted files.
	Extract(ctx context.Context, archivePath, destDir, password string) ([]string, error)

	// CanExtract checks if this extractor can handle the given file. For
	// multi-volume sets only the first volume qualifies.
	CanExtract(filePath string) (bool, error)

	// Returns the human-readable name of this extractor (e.g. "RAR", "ZIP")
	Name() string
}

type CmdFactory func(workDir string) *exec.Cmd

// baseExtract runs the tool into a scratch directory under destDir, then
// moves every extracted file up into destDir.
func baseExtract(ctx context.Context, archivePath, destDir string, factory CmdFactory) ([]string, error) {
	workDir := filepath.Join(destDir, "_extracted_"+filepath.Base(archivePath))

	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create extraction workdir: %w", err)
	}
	defer os.RemoveAll(workDir)

	cmd := factory(workDir)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("extraction failed: %w\nOutput: %s", err, string(output))
	}

	var finalPaths []string
	err = filepath.WalkDir(workDir, func(path string, d os.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		// Keep the archive's folder layout below destDir
		rel, err := filepath.Rel(workDir, path)
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}

		if err := moveFile(path, target); err != nil {
			return fmt.Errorf("failed to move extracted file %s: %w", rel, err)
		}
		finalPaths = append(finalPaths, target)
		return nil
	})

	return finalPaths, err
}

// hasSignature checks the leading bytes of a file against known magic numbers.
func hasSignature(filePath string, sigs ...[]byte) (bool, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return false, err
	}
	defer file.Close()

	longest := 0
	for _, sig := range sigs {
		longest = max(longest, len(sig))
	}

	header := make([]byte, longest)
	n, err := file.Read(header)
	if err != nil {
		return false, err
	}
	header = header[:n]

	for _, sig := range sigs {
		if bytes.HasPrefix(header, sig) {
			return true, nil
		}
	}
	return false, nil
}

// DetectExtractors returns every extractor whose CLI is installed.
func DetectExtractors() []Extractor {
	var out []Extractor

	// If the binary isn't available, skip it
	if unrar, err := NewCLIUnrar(); err == nil {
		out = append(out, unrar)
	}
	if sevenZ, err := NewCLI7z(); err == nil {
		out = append(out, sevenZ)
	}
	if unzip, err := NewCLIUnzip(); err == nil {
		out = append(out, unzip)
	}
	return out
}

// detectArchives pairs each path with the first extractor that claims it.
func detectArchives(extractors []Extractor, paths []string) (map[string]Extractor, error) {
	archives := make(map[string]Extractor)

	for _, path := range paths {
		for _, extractor := range extractors {
			canExtract, err := extractor.CanExtract(path)
			if err != nil {
				return nil, fmt.Errorf("error checking if %s can extract %s: %w",
					extractor.Name(), filepath.Base(path), err)
			}
			if canExtract {
				archives[path] = extractor
				break
			}
		}
	}

	return archives, nil
}
