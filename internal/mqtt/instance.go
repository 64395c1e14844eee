package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const instanceFile = "instance_id"

// LoadOrCreateInstanceID reads the instance ID from dataDir, creating
// and persisting a new UUIDv7 on first use. The ID keeps the broker
// client identity stable across restarts so persistent sessions and
// broker ACLs keep applying.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, instanceFile)

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}
	return id.String(), nil
}

// ClientID derives the MQTT client identifier from an instance ID.
func ClientID(instanceID string) string {
	short := strings.ReplaceAll(instanceID, "-", "")
	if len(short) > 12 {
		short = short[len(short)-12:]
	}
	return "almanac-" + short
}
