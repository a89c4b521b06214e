// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

package patch

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"
)

// Returned (wrapped) for stacks whose sequence numbers are not exactly 1..n
var ErrOutOfOrder = errors.New("patch stack is out of order")

type OrderError struct {
	Name     string
	Sequence int
	Want     int
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("%v: %v: sequence %v, expected %v", ErrOutOfOrder, e.Name, e.Sequence, e.Want)
}

func (e *OrderError) Unwrap() error { return ErrOutOfOrder }

// Ordered patch files of one task
type Stack struct {
	Patches []*File
}

func (s Stack) Len() int {
	return len(s.Patches)
}

// Validate rejects stacks that are not numbered 1..n in order
func (s Stack) Validate() error {
	names := make(map[string]bool, len(s.Patches))
	for i, p := range s.Patches {
		if p.Sequence != i+1 {
			return &OrderError{Name: p.Name, Sequence: p.Sequence, Want: i + 1}
		}
		if names[p.Name] {
			return fmt.Errorf("%w: duplicate patch file %v", ErrOutOfOrder, p.Name)
		}
		names[p.Name] = true
	}
	return nil
}

// Digest identifies the stack by the canonical form of every patch
func (s Stack) Digest() string {
	h := blake3.New()
	for _, p := range s.Patches {
		h.Write([]byte(p.Name))
		h.Write([]byte{0})
		h.Write(Format(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Names returns the file name of every patch in order
func (s Stack) Names() []string {
	names := make([]string, 0, len(s.Patches))
	for _, p := range s.Patches {
		names = append(names, p.Name)
	}
	return names
}

// Loader reads patch stacks from patch directories
//
// Parsed files are cached by name and content digest, so reloading an unchanged
// stack (sync re-applying dependent tasks, rebuild replaying the old stack)
// skips parsing.
type Loader struct {
	cache *lru.Cache[string, *File]
}

func NewLoader(size int) *Loader {
	cache, err := lru.New[string, *File](size)
	if err != nil {
		panic(fmt.Sprintf("patch loader: %v", err))
	}
	return &Loader{cache: cache}
}

// Load the stack stored in dir
//
// A missing directory is an empty stack. Files are ordered by name and the
// result is validated, so gaps or duplicate sequence numbers are rejected.
func (l *Loader) Load(dir string) (Stack, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Stack{}, nil
		}
		return Stack{}, err
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ".patch") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var stack Stack
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return Stack{}, err
		}
		file, err := l.parse(name, data)
		if err != nil {
			return Stack{}, err
		}
		stack.Patches = append(stack.Patches, file)
	}

	if err := stack.Validate(); err != nil {
		return Stack{}, fmt.Errorf("%v: %w", dir, err)
	}
	return stack, nil
}

func (l *Loader) parse(name string, data []byte) (*File, error) {
	sum := blake3.Sum256(data)
	key := name + ":" + hex.EncodeToString(sum[:])
	if file, ok := l.cache.Get(key); ok {
		return file, nil
	}
	file, err := Parse(name, data)
	if err != nil {
		return nil, err
	}
	l.cache.Add(key, file)
	return file, nil
}

// Patch files added, rewritten or removed in a patch directory
type Delta struct {
	Added   []string
	Changed []string
	Removed []string
}

func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}

// Write a stack into dir
//
// Only files whose bytes differ are written and stale .patch files are
// removed, so an unchanged stack leaves the directory untouched.
func Write(dir string, stack Stack) (Delta, error) {
	if err := stack.Validate(); err != nil {
		return Delta{}, err
	}

	existing := make(map[string]bool)
	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Delta{}, err
	}
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ".patch") {
			existing[e.Name()] = true
		}
	}

	var delta Delta
	wanted := make(map[string]bool, len(stack.Patches))
	for _, p := range stack.Patches {
		wanted[p.Name] = true
		data := Format(p)
		path := filepath.Join(dir, p.Name)

		if existing[p.Name] {
			old, err := os.ReadFile(path)
			if err != nil {
				return Delta{}, err
			}
			if bytes.Equal(old, data) {
				continue
			}
			delta.Changed = append(delta.Changed, p.Name)
		} else {
			delta.Added = append(delta.Added, p.Name)
		}

		if err := os.MkdirAll(dir, 0755); err != nil {
			return Delta{}, err
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return Delta{}, err
		}
	}

	for name := range existing {
		if wanted[name] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return Delta{}, err
		}
		delta.Removed = append(delta.Removed, name)
	}
	sort.Strings(delta.Removed)

	return delta, nil
}
