package main

import "testing"

func TestGetFlagExtractsValueAndRemovesArgs(t *testing.T) {
	args := []string{"--device", "/dev/ttyUSB0", "sync", "--quiet"}
	val, rest := getFlag(args, "--device", "")
	if val != "/dev/ttyUSB0" {
		t.Fatalf("got %q", val)
	}
	if len(rest) != 2 || rest[0] != "sync" || rest[1] != "--quiet" {
		t.Fatalf("unexpected rest: %v", rest)
	}
}

func TestGetFlagReturnsDefaultWhenAbsent(t *testing.T) {
	val, rest := getFlag([]string{"sync"}, "--dir", "./synced")
	if val != "./synced" {
		t.Fatalf("got %q", val)
	}
	if len(rest) != 1 || rest[0] != "sync" {
		t.Fatalf("unexpected rest: %v", rest)
	}
}

func TestHasFlagDetectsAndStrips(t *testing.T) {
	present, rest := hasFlag([]string{"--quick", "sync"}, "--quick")
	if !present {
		t.Fatal("expected --quick to be detected")
	}
	if len(rest) != 1 || rest[0] != "sync" {
		t.Fatalf("unexpected rest: %v", rest)
	}

	present, rest = hasFlag([]string{"sync"}, "--quick")
	if present {
		t.Fatal("did not expect --quick to be detected")
	}
	if len(rest) != 1 {
		t.Fatalf("unexpected rest: %v", rest)
	}
}
