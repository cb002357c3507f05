package processor

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// hasCleanupExtension checks if a filename matches the user's cleanup list
func hasCleanupExtension(fileName string, cleanupMap map[string]struct{}) bool {
	_, exists := cleanupMap[strings.ToLower(filepath.Ext(fileName))]
	return exists
}

func cleanupSet(exts []string) map[string]struct{} {
	m := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		m[ext] = struct{}{}
	}
	return m
}

var volumeSuffix = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(.*)\.part\d+\.rar$`),
	regexp.MustCompile(`(?i)^(.*)\.(?:rar|r\d{2,3})$`),
	regexp.MustCompile(`(?i)^(.*)\.7z(?:\.\d{3})?$`),
	regexp.MustCompile(`(?i)^(.*)\.zip$`),
}

// archiveVolumes lists every file in dir that belongs to the same archive
// set as first, first included.
func archiveVolumes(dir, first string) []string {
	name := filepath.Base(first)

	var set *regexp.Regexp
	var base string
	for _, re := range volumeSuffix {
		if m := re.FindStringSubmatch(name); m != nil {
			set, base = re, m[1]
			break
		}
	}
	if set == nil {
		return []string{first}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return []string{first}
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if m := set.FindStringSubmatch(e.Name()); m != nil && strings.EqualFold(m[1], base) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out
}

// moveCrossDevice handles moving files between different mount points/filesystems
func moveCrossDevice(sourcePath, destPath string) error {
	src, err := os.Open(sourcePath)
	if err != nil {
		return err
	}
	defer src.Close()

	tempDest := filepath.Join(filepath.Dir(destPath), "."+filepath.Base(destPath)+".tmp")

	dst, err := os.Create(tempDest)
	if err != nil {
		return err
	}

	// io.Copy uses sendfile(2) where available
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tempDest)
		return err
	}

	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tempDest)
		return err
	}

	// Explicitly close before renaming and deleting the source
	src.Close()
	dst.Close()

	if err := os.Rename(tempDest, destPath); err != nil {
		os.Remove(tempDest)
		return err
	}

	// Remove the original file only after copy success
	return os.Remove(sourcePath)
}

// moveFile handles the logic of moving a file, falling back to cross-device copy if rename fails.
func moveFile(source, dest string) error {
	if err := os.Rename(source, dest); err == nil {
		return nil
	}
	return moveCrossDevice(source, dest)
}
