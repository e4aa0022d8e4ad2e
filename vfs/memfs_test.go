// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package vfs

import (
	"context"
	"io/fs"
	"testing"
)

func TestMemReadWrite(t *testing.T) {
	ctx := context.Background()
	m := NewMem()

	if err := m.Write(ctx, "a/b/c.txt", []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := m.Read(ctx, "a/b/c.txt")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Read = %q; want %q", got, "hello")
	}

	// A single leading slash is stripped.
	got, err = m.Read(ctx, "/a/b/c.txt")
	if err != nil {
		t.Fatalf("Read with leading slash: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Read = %q; want %q", got, "hello")
	}

	// Intermediate directories were created implicitly.
	for _, dir := range []string{"a", "a/b"} {
		st, err := m.Stat(ctx, dir)
		if err != nil {
			t.Fatalf("Stat(%q): %v", dir, err)
		}
		if !st.Mode.IsDir() {
			t.Errorf("Stat(%q).Mode = %v; want directory", dir, st.Mode)
		}
	}
}

func TestMemErrorKinds(t *testing.T) {
	ctx := context.Background()
	m := NewMem()
	if err := m.Write(ctx, "dir/file", []byte("x")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		op   func() error
		want ErrorKind
	}{
		{"write to root", func() error { return m.Write(ctx, "", []byte("x")) }, KindInvalidArgument},
		{"write over dir", func() error { return m.Write(ctx, "dir", []byte("x")) }, KindIsADirectory},
		{"read missing", func() error { _, err := m.Read(ctx, "nope"); return err }, KindNotFound},
		{"read dir", func() error { _, err := m.Read(ctx, "dir"); return err }, KindIsADirectory},
		{"mkdir over file", func() error { return m.Mkdir(ctx, "dir/file") }, KindAlreadyExists},
		{"mkdir missing parent", func() error { return m.Mkdir(ctx, "no/such") }, KindNotFound},
		{"rmdir missing", func() error { return m.Rmdir(ctx, "nope") }, KindNotFound},
		{"rmdir file", func() error { return m.Rmdir(ctx, "dir/file") }, KindNotADirectory},
		{"rmdir non-empty", func() error { return m.Rmdir(ctx, "dir") }, KindNotEmpty},
		{"unlink missing", func() error { return m.Unlink(ctx, "nope") }, KindNotFound},
		{"unlink dir", func() error { return m.Unlink(ctx, "dir") }, KindPermissionDenied},
		{"readdir missing", func() error { _, err := m.Readdir(ctx, "nope"); return err }, KindNotFound},
	}
	for _, tt := range tests {
		err := tt.op()
		if err == nil {
			t.Errorf("%s: no error; want kind %v", tt.name, tt.want)
			continue
		}
		if got := Kind(err); got != tt.want {
			t.Errorf("%s: error kind = %v (%v); want %v", tt.name, got, err, tt.want)
		}
	}
}

func TestMemMkdirIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMem()
	if err := m.Mkdir(ctx, "d"); err != nil {
		t.Fatalf("first Mkdir: %v", err)
	}
	if err := m.Mkdir(ctx, "d"); err != nil {
		t.Errorf("second Mkdir: %v; want no error", err)
	}
	// mkdir of the root is a no-op.
	if err := m.Mkdir(ctx, ""); err != nil {
		t.Errorf("Mkdir of root: %v; want no error", err)
	}
}

func TestMemRmdir(t *testing.T) {
	ctx := context.Background()
	m := NewMem()
	if err := m.Mkdir(ctx, "d"); err != nil {
		t.Fatal(err)
	}
	if err := m.Rmdir(ctx, "d"); err != nil {
		t.Fatalf("Rmdir: %v", err)
	}
	if ok, _ := m.Exists(ctx, "d"); ok {
		t.Error("directory still exists after Rmdir")
	}
	if err := m.Rmdir(ctx, ""); err == nil {
		t.Error("Rmdir of root succeeded; want refusal")
	}
}

func TestMemReaddir(t *testing.T) {
	ctx := context.Background()
	m := NewMem()
	for _, p := range []string{"d/b.txt", "d/a.txt"} {
		if err := m.Write(ctx, p, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Mkdir(ctx, "d/sub"); err != nil {
		t.Fatal(err)
	}

	ents, err := m.Readdir(ctx, "d")
	if err != nil {
		t.Fatalf("Readdir: %v", err)
	}
	var got []string
	for _, e := range ents {
		name := e.Name
		if e.Mode.IsDir() {
			name += "/"
		}
		got = append(got, name)
	}
	want := []string{"a.txt", "b.txt", "sub/"}
	if len(got) != len(want) {
		t.Fatalf("Readdir = %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Readdir[%d] = %q; want %q", i, got[i], want[i])
		}
	}
}

func TestMemSymlink(t *testing.T) {
	ctx := context.Background()
	m := NewMem()
	if err := m.Symlink(ctx, "target/path", "link"); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	got, err := m.Readlink(ctx, "link")
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if got != "target/path" {
		t.Errorf("Readlink = %q; want %q", got, "target/path")
	}
	st, err := m.Stat(ctx, "link")
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode&fs.ModeSymlink == 0 {
		t.Errorf("Stat mode = %v; want symlink", st.Mode)
	}
}

func TestMemStats(t *testing.T) {
	ctx := context.Background()
	m := NewMem()
	if err := m.Write(ctx, "small", []byte("ab")); err != nil {
		t.Fatal(err)
	}
	if err := m.Write(ctx, "big/one", make([]byte, 100)); err != nil {
		t.Fatal(err)
	}
	st, err := m.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Objects != 2 {
		t.Errorf("Objects = %d; want 2", st.Objects)
	}
	if st.TotalBytes != 102 {
		t.Errorf("TotalBytes = %d; want 102", st.TotalBytes)
	}
	if st.LargestPath != "big/one" || st.LargestBytes != 100 {
		t.Errorf("Largest = %q/%d; want big/one/100", st.LargestPath, st.LargestBytes)
	}
}
