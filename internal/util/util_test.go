// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.cbor")

	if err := WriteFileAtomic(path, []byte("first"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(path, []byte("second"), 0644); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second" {
		t.Errorf("got %q", data)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0644 {
		t.Errorf("mode: got %v", info.Mode().Perm())
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %v", entries)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := LoadDotEnv(dir); err != nil {
		t.Fatalf("missing .env: %v", err)
	}

	t.Setenv("PATCHCHAIN_TEST_KEEP", "process")
	t.Setenv("PATCHCHAIN_TEST_NEW", "")
	os.Unsetenv("PATCHCHAIN_TEST_NEW")

	env := "PATCHCHAIN_TEST_KEEP=dotenv\nPATCHCHAIN_TEST_NEW=dotenv\n"
	if err := os.WriteFile(filepath.Join(dir, DOTENV_FILE), []byte(env), 0600); err != nil {
		t.Fatal(err)
	}
	if err := LoadDotEnv(dir); err != nil {
		t.Fatal(err)
	}

	if got := os.Getenv("PATCHCHAIN_TEST_KEEP"); got != "process" {
		t.Errorf("existing variable overridden: %v", got)
	}
	if got := os.Getenv("PATCHCHAIN_TEST_NEW"); got != "dotenv" {
		t.Errorf("variable not loaded: %v", got)
	}
}
