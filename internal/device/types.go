package device

import (
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/devicebus-core/internal/message"
)

// Identity is the directory record for one physical device.
//
// ID is the internal identifier used as the time-series device tag.
// ProductIdentification and DeviceIdentification are the identifiers the
// device presents on the wire (the ${pid} and ${did} topic tokens); the pair
// is unique across the directory.
type Identity struct {
	ID                    string    `json:"id"`
	ProductIdentification string    `json:"product_identification"`
	DeviceIdentification  string    `json:"device_identification"`
	TenantID              string    `json:"tenant_id,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Key returns the wire key "pid/did" used for gateway affinity.
func (i Identity) Key() string {
	return message.DeviceKey(i.ProductIdentification, i.DeviceIdentification)
}

// Validate checks the identity has everything the directory needs.
func (i Identity) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDevice)
	}
	if i.ProductIdentification == "" || i.DeviceIdentification == "" {
		return fmt.Errorf("%w: product and device identification are required", ErrInvalidDevice)
	}
	if strings.Contains(i.ProductIdentification, "/") || strings.Contains(i.DeviceIdentification, "/") {
		return fmt.Errorf("%w: identification must not contain '/'", ErrInvalidDevice)
	}
	return nil
}
