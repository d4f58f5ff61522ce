package storage

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// NewChatID 生成新的会话 ID / Generates a new chat ID
func NewChatID() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("chat_%d_%s", time.Now().UTC().Unix(), hex.EncodeToString(buf))
}

// NewRunID generates an id for one streaming run.
func NewRunID() string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("run_%d_%s", time.Now().UTC().UnixMilli(), hex.EncodeToString(buf))
}
