package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// FindProjectRoot returns the directory holding go.mod, searched upwards
// from the source file of the caller
func FindProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(1)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}
	return findUp(filepath.Dir(filename), "go.mod")
}

// Testdata returns the path of elem below integration/testdata and fails
// the test when it does not exist
func Testdata(t *testing.T, elem ...string) string {
	t.Helper()

	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("failed to get caller information")
	}
	root, err := findUp(filepath.Dir(filename), "go.mod")
	if err != nil {
		t.Fatal(err)
	}

	p := filepath.Join(append([]string{root, "integration", "testdata"}, elem...)...)
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("testdata %s: %v", p, err)
	}
	return p
}

func findUp(dir, marker string) (string, error) {
	for {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s not found in any parent directory", marker)
		}
		dir = parent
	}
}
