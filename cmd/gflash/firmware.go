package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// fallbackFirmware is used when the build directory has no image
const fallbackFirmware = "firmware.bin"

// findFirmware returns the newest build/*.bin that is not a packed container,
// or firmware.bin in dir.
func findFirmware(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "build", "*.bin"))
	if err != nil {
		return "", err
	}

	type candidate struct {
		path  string
		mtime int64
	}
	var candidates []candidate
	for _, m := range matches {
		if strings.HasSuffix(m, "packed.bin") {
			continue
		}
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		candidates = append(candidates, candidate{path: m, mtime: info.ModTime().UnixNano()})
	}
	if len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].mtime > candidates[j].mtime
		})
		return candidates[0].path, nil
	}

	fallback := filepath.Join(dir, fallbackFirmware)
	if _, err := os.Stat(fallback); err == nil {
		return fallback, nil
	}
	return "", errors.New("no firmware file found")
}

// loadFirmware reads path and rejects images that cannot be flashed.
func loadFirmware(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}
	return data, nil
}
