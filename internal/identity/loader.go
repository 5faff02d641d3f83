package identity

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// trustKeyRecord is the on-disk JSON shape of one entry in a trust
// keys file: device identity plus its currently-authorized ed25519
// public key, mirroring KeyEvent's fields in serializable form.
type trustKeyRecord struct {
	DeviceID  string    `json:"device_id"`
	PublicKey string    `json:"public_key"` // base64-encoded, 32 bytes
	HumanID   string    `json:"human_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// LoadKeyRegistry reads a JSON array of trust key records from path and
// replays them as KEY_ADDED events into a fresh InMemoryKeyRegistry.
func LoadKeyRegistry(path string) (*InMemoryKeyRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}

	var records []trustKeyRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("identity: parse %s: %w", path, err)
	}

	reg := NewInMemoryKeyRegistry()
	for _, rec := range records {
		pub, err := base64.StdEncoding.DecodeString(rec.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("identity: decode public_key for %s: %w", rec.DeviceID, err)
		}
		if err := reg.Apply(KeyEvent{
			EventType: KeyAdded,
			DeviceID:  rec.DeviceID,
			PublicKey: pub,
			HumanID:   rec.HumanID,
			ExpiresAt: rec.ExpiresAt,
		}); err != nil {
			return nil, fmt.Errorf("identity: apply key event for %s: %w", rec.DeviceID, err)
		}
	}
	return reg, nil
}
