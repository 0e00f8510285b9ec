package common

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"triplog/internal/storage"
)

// AuditSink записывает аудиторные события.
type AuditSink = storage.AuditWriter

// NewRequestID возвращает случайный идентификатор запроса.
func NewRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func buildAuditPayload(module, command string, args []string, errorCode string) []byte {
	fields := map[string]interface{}{
		"module":  module,
		"command": command,
		"args":    args,
	}
	if errorCode != "" {
		fields["error_code"] = errorCode
	}
	payload, _ := json.Marshal(fields)
	return payload
}
