package xlog

import (
	"testing"
)

func TestDiscardNeverPanics(t *testing.T) {
	l := Discard()
	l.Debugf("should never appear: %d", 1)
	l.Infof("should never appear: %s", "x")
	l.Warnf("should never appear")
	l.Errorf("should never appear")
}

func TestNewWithEmptyDirLogsToStderr(t *testing.T) {
	l, err := New("", "test", InfoLevel)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Infof("hello")
}

func TestSetLevelGatesOutput(t *testing.T) {
	l := Discard()
	l.SetLevel(ErrorLevel)
	if l.enabled(DebugLevel) {
		t.Fatal("debug must be gated out once level is raised to error")
	}
	if !l.enabled(ErrorLevel) {
		t.Fatal("error must remain enabled at its own level")
	}
}

func TestNewCreatesLogDirectory(t *testing.T) {
	dir := t.TempDir() + "/nested"
	l, err := New(dir, "write", InfoLevel)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Infof("hello from %s", "write")
}
