package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCrashBufferSimple(t *testing.T) {
	cb := NewCrashBuffer(64)
	cb.Write([]byte("hello "))
	cb.Write([]byte("world"))
	if got := string(cb.Bytes()); got != "hello world" {
		t.Errorf("got %q", got)
	}
}

func TestCrashBufferWrapsKeepingTail(t *testing.T) {
	cb := NewCrashBuffer(8)
	cb.Write([]byte("abcdef"))
	cb.Write([]byte("ghij"))
	if got := string(cb.Bytes()); got != "cdefghij" {
		t.Errorf("got %q", got)
	}
}

func TestCrashBufferOversizedWrite(t *testing.T) {
	cb := NewCrashBuffer(4)
	cb.Write([]byte("0123456789"))
	if got := string(cb.Bytes()); got != "6789" {
		t.Errorf("got %q", got)
	}
}

func TestCrashBufferManyWrites(t *testing.T) {
	cb := NewCrashBuffer(100)
	var want bytes.Buffer
	for i := 0; i < 50; i++ {
		line := strings.Repeat(string(rune('a'+i%26)), 7)
		cb.Write([]byte(line))
		want.WriteString(line)
	}
	tail := want.Bytes()
	tail = tail[len(tail)-100:]
	if !bytes.Equal(cb.Bytes(), tail) {
		t.Errorf("buffer does not hold the stream tail")
	}
}

func TestDumpToFile(t *testing.T) {
	cb := NewCrashBuffer(64)
	cb.Write([]byte("crash evidence"))

	path := filepath.Join(t.TempDir(), "dump.log")
	if err := cb.DumpToFile(path); err != nil {
		t.Fatalf("DumpToFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "crash evidence" {
		t.Errorf("got %q", string(data))
	}
}
