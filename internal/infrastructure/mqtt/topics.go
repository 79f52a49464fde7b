package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for devicebus MQTT traffic.
//
// Device traffic uses the device-facing topic grammar directly
// ("/iot/{pid}/{did}/..."), so the broker ACL can grant each device its own
// subtree. Node housekeeping lives under the devicebus prefix.
const (
	// TopicPrefix is the base for node housekeeping and bus bridge topics.
	TopicPrefix = "devicebus"

	// TopicPrefixNodes is the base for per-node status topics.
	TopicPrefixNodes = "devicebus/nodes"

	// TopicPrefixDevice is the base for device uplink and downlink topics.
	TopicPrefixDevice = "/iot"

	// sharePrefix marks an MQTT 5 shared subscription filter.
	sharePrefix = "$share/"
)

// Topics provides builders for devicebus MQTT topics.
//
//	topics := mqtt.Topics{}
//	status := topics.NodeStatus("gw-7")
//	// Returns: "devicebus/nodes/gw-7/status"
type Topics struct{}

// =============================================================================
// Node Topics
// =============================================================================

// NodeStatus returns the retained online/offline topic for one node.
// The node's LWT is published here.
//
// Example: devicebus/nodes/gw-7/status
func (Topics) NodeStatus(nodeID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixNodes, nodeID)
}

// AllNodeStatus returns a pattern matching every node's status topic.
//
// Pattern: devicebus/nodes/+/status
func (Topics) AllNodeStatus() string {
	return fmt.Sprintf("%s/+/status", TopicPrefixNodes)
}

// =============================================================================
// Device Topics
// =============================================================================

// DeviceTopic returns a device-facing topic for one device.
//
// Example: /iot/p1/d1/properties/report
func (Topics) DeviceTopic(productID, deviceID, suffix string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefixDevice, productID, deviceID, strings.TrimPrefix(suffix, "/"))
}

// AllDeviceUplinks returns a pattern matching all device-facing traffic.
//
// Pattern: /iot/+/+/#
func (Topics) AllDeviceUplinks() string {
	return fmt.Sprintf("%s/+/+/#", TopicPrefixDevice)
}

// =============================================================================
// Shared Subscriptions
// =============================================================================

// Shared wraps filter in an MQTT 5 shared subscription for group. The broker
// delivers each matching message to one subscriber of the group.
//
// Example: $share/ingest/devicebus/iot/+/+/properties/report
func (Topics) Shared(group, filter string) string {
	return sharePrefix + group + "/" + filter
}

// IsShared reports whether filter is a shared subscription.
func IsShared(filter string) bool {
	return strings.HasPrefix(filter, sharePrefix)
}
