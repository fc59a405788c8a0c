package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path string, data []byte, mtime time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func TestFindFirmware(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("newest unpacked build wins", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "build", "fw.old.bin"), []byte{1}, base)
		writeFile(t, filepath.Join(dir, "build", "fw.new.bin"), []byte{2}, base.Add(time.Hour))
		writeFile(t, filepath.Join(dir, "build", "fw.packed.bin"), []byte{3}, base.Add(2*time.Hour))
		writeFile(t, filepath.Join(dir, "firmware.bin"), []byte{4}, base.Add(3*time.Hour))

		got, err := findFirmware(dir)
		if err != nil {
			t.Fatalf("findFirmware() error = %v", err)
		}
		if filepath.Base(got) != "fw.new.bin" {
			t.Errorf("findFirmware() = %s, want fw.new.bin", got)
		}
	})

	t.Run("falls back to firmware.bin", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "build", "only.packed.bin"), []byte{1}, base)
		writeFile(t, filepath.Join(dir, "firmware.bin"), []byte{2}, base)

		got, err := findFirmware(dir)
		if err != nil {
			t.Fatalf("findFirmware() error = %v", err)
		}
		if filepath.Base(got) != fallbackFirmware {
			t.Errorf("findFirmware() = %s, want %s", got, fallbackFirmware)
		}
	})

	t.Run("nothing found", func(t *testing.T) {
		if _, err := findFirmware(t.TempDir()); err == nil {
			t.Error("findFirmware() succeeded in an empty directory")
		}
	})
}

func TestLoadFirmwareRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.bin")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadFirmware(path); err == nil {
		t.Error("loadFirmware() accepted an empty image")
	}
}
