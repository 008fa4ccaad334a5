package safefile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadFileMax_RegularFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "data.yaml")
	if err := os.WriteFile(f, []byte("rules: []"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFileMax(f, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "rules: []" {
		t.Errorf("got %q", got)
	}
}

func TestReadFileMax_Symlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target.yaml")
	link := filepath.Join(dir, "link.yaml")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}
	_, err := ReadFileMax(link, 1024)
	if err == nil || !strings.Contains(err.Error(), "symbolic link") {
		t.Fatalf("expected symlink rejection, got %v", err)
	}
}

func TestReadFileMax_TooLarge(t *testing.T) {
	f := filepath.Join(t.TempDir(), "big.json")
	if err := os.WriteFile(f, make([]byte, 2048), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFileMax(f, 1024); err == nil {
		t.Fatal("expected size error")
	}
}

func TestReadFileMax_Directory(t *testing.T) {
	if _, err := ReadFileMax(t.TempDir(), 1024); err == nil {
		t.Fatal("expected error for directory")
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "truthaudit.yaml")
	if err := WriteFileAtomic(f, []byte("a: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(f, []byte("a: 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(f)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "a: 2\n" {
		t.Errorf("got %q", got)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %d entries", len(entries))
	}
	info, _ := os.Stat(f)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("perm = %v, want 0600", info.Mode().Perm())
	}
}
