package portkill

import (
	"net"
	"testing"
)

func TestForeignPIDsExcludesSelf(t *testing.T) {
	got := foreignPIDs([]int{100, 200, 300}, 200)
	if len(got) != 2 || got[0] != 100 || got[1] != 300 {
		t.Fatalf("foreignPIDs = %v, want [100 300]", got)
	}
}

func TestForeignPIDsEmptyInput(t *testing.T) {
	if got := foreignPIDs(nil, 1); got != nil {
		t.Fatalf("foreignPIDs(nil) = %v, want nil", got)
	}
}

func TestBindWithRetrySucceedsOnFreePort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find a free port for the test: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	got, err := BindWithRetry(addr)
	if err != nil {
		t.Fatalf("BindWithRetry(%s) error = %v, want nil", addr, err)
	}
	got.Close()
}

func TestBindWithRetryFailsWhenPortHeld(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find a free port for the test: %v", err)
	}
	defer ln.Close()

	_, err = BindWithRetry(ln.Addr().String())
	if err == nil {
		t.Fatalf("BindWithRetry should fail while the port is held")
	}
}
