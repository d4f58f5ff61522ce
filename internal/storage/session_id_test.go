package storage

import (
	"regexp"
	"testing"
)

var (
	chatIDRe = regexp.MustCompile(`^chat_\d+_[0-9a-f]+$`)
	runIDRe  = regexp.MustCompile(`^run_\d+_[0-9a-f]+$`)
)

func TestNewChatID(t *testing.T) {
	id := NewChatID()
	if id == "" {
		t.Fatal("NewChatID returned empty")
	}
	if !chatIDRe.MatchString(id) {
		t.Fatalf("NewChatID format unexpected: %q", id)
	}
	// Uniqueness in quick succession
	id2 := NewChatID()
	if id == id2 {
		t.Fatal("NewChatID should produce different ids")
	}
}

func TestNewRunID(t *testing.T) {
	id := NewRunID()
	if !runIDRe.MatchString(id) {
		t.Fatalf("NewRunID format unexpected: %q", id)
	}
}
