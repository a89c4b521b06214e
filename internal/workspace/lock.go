// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/zosopentools/patchchain/internal/base"
)

// An exclusive advisory lock held on a workspace resource
type Lock struct {
	name string
	file *os.File
}

// Take the named lock without waiting
//
// The lock is a flock(2) on <state>/locks/<name>.lock. Contention fails fast with
// a *base.WorkspaceBusyError. The kernel drops the lock if the process dies.
func (s *Store) Lock(name string) (*Lock, error) {
	if err := os.MkdirAll(s.locksDir(), 0755); err != nil {
		return nil, fmt.Errorf("unable to create lock directory: %w", err)
	}

	path := filepath.Join(s.locksDir(), name+".lock")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("unable to open lock %v: %w", path, err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, &base.WorkspaceBusyError{Lock: name, Path: path}
		}
		return nil, fmt.Errorf("unable to lock %v: %w", path, err)
	}

	return &Lock{name: name, file: file}, nil
}

func (l *Lock) Name() string {
	return l.name
}

// Release the lock, safe to call more than once
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}
