package main

import "testing"

func TestResolveListenAddr(t *testing.T) {
	t.Setenv("PORT", "")

	if got := resolveListenAddr("10.0.0.5:7001", 9999); got != "10.0.0.5:7001" {
		t.Errorf("addr wins: got %q", got)
	}
	if got := resolveListenAddr("7001", 0); got != "127.0.0.1:7001" {
		t.Errorf("bare addr normalized: got %q", got)
	}
	if got := resolveListenAddr("", 7002); got != "127.0.0.1:7002" {
		t.Errorf("port fallback: got %q", got)
	}

	t.Setenv("PORT", "7003")
	if got := resolveListenAddr("", 0); got != "127.0.0.1:7003" {
		t.Errorf("env fallback: got %q", got)
	}

	t.Setenv("PORT", "")
	if got := resolveListenAddr("", 0); got != "127.0.0.1:9000" {
		t.Errorf("default: got %q", got)
	}
}

func TestNormalizeAddr(t *testing.T) {
	if got := normalizeAddr("0.0.0.0:7000"); got != "0.0.0.0:7000" {
		t.Errorf("normalizeAddr = %q", got)
	}
	if got := normalizeAddr("7000"); got != "127.0.0.1:7000" {
		t.Errorf("normalizeAddr = %q", got)
	}
}
