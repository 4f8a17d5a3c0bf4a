package pty

import (
	"io"
	"log/slog"
	"testing"
)

type recordingClient struct {
	frames [][]byte
}

func (r *recordingClient) WriteText(data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	r.frames = append(r.frames, cp)
	return nil
}

func newEmitSession() (*Session, *recordingClient) {
	s := &Session{
		ID:     "s1",
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return s, &recordingClient{}
}

func TestEmitValidUTF8PassesThrough(t *testing.T) {
	s, client := newEmitSession()
	s.emit(client, []byte("hello, world"))

	if len(client.frames) != 1 || string(client.frames[0]) != "hello, world" {
		t.Fatalf("emit() frames = %v, want [\"hello, world\"]", client.frames)
	}
}

func TestEmitInvalidUTF8FallsBackToLatin1(t *testing.T) {
	s, client := newEmitSession()
	invalid := []byte{0xff, 0xfe, 'A'}
	s.emit(client, invalid)

	if len(client.frames) != 1 {
		t.Fatalf("emit() produced %d frames, want 1", len(client.frames))
	}
	got := []rune(string(client.frames[0]))
	if len(got) != 3 || got[0] != 0xff || got[1] != 0xfe || got[2] != 'A' {
		t.Fatalf("emit() Latin-1 fallback = %v, want code points [0xff 0xfe 0x41]", got)
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	s := &Session{
		ID:     "s1",
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	s.Terminate()
	if !s.Terminated() {
		t.Fatalf("Terminated() = false after Terminate()")
	}
	// second call must not panic despite nil ptmx/cmd
	s.Terminate()
}

func TestIsOrphanedInvariant(t *testing.T) {
	s := &Session{ID: "s1"}
	if !s.IsOrphaned() {
		t.Fatalf("a freshly constructed session with no attached client should be orphaned")
	}

	s.attached = &recordingClient{}
	if s.IsOrphaned() {
		t.Fatalf("a session with an attached client must not be orphaned")
	}

	s.attached = nil
	s.terminated = true
	if s.IsOrphaned() {
		t.Fatalf("a terminated session must never be reported as orphaned")
	}
}
