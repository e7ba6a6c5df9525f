//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"openpeer-hub/internal/core"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/openpeer/sensor_outside_temp/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Device            haDevice `json:"device"`
}

const (
	nodeID         = "openpeer"
	stateTemplate  = "{{ value_json.state }}"
	hubDeviceName  = "OpenPeer Hub"
	hubDeviceModel = "openpeer-hub"
)

// discoveryComponent maps an entity domain to the HA component that
// mirrors it, and whether it accepts commands.
func discoveryComponent(domain string) (component string, commands bool) {
	switch domain {
	case "automation", "script", "switch", "input_boolean":
		return "switch", true
	case "light":
		return "light", true
	case "binary_sensor":
		return "binary_sensor", false
	case "sensor":
		return "sensor", false
	}
	return "", false
}

// objectID flattens an entity ID into a discovery object ID.
func objectID(entityID string) string {
	return strings.ReplaceAll(entityID, ".", "_")
}

func discoveryTopic(discoveryPrefix, component, entityID string) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", discoveryPrefix, component, nodeID, objectID(entityID))
}

func displayName(st *core.State) string {
	if name, ok := st.Attributes["friendly_name"].(string); ok && name != "" {
		return name
	}
	return st.EntityID
}

// buildDiscovery describes an entity for HA discovery. It reports false for
// domains HA has no matching component for.
func buildDiscovery(st *core.State, discoveryPrefix, prefix string) (discoveryMsg, bool) {
	component, commands := discoveryComponent(st.Domain())
	if component == "" {
		return discoveryMsg{}, false
	}

	payload := haDiscovery{
		Name:              displayName(st),
		UniqueID:          nodeID + "_" + objectID(st.EntityID),
		StateTopic:        stateTopic(prefix, st.EntityID),
		AvailabilityTopic: statusTopic(prefix),
		ValueTemplate:     stateTemplate,
		Device: haDevice{
			Identifiers: []string{nodeID},
			Model:       hubDeviceModel,
			Name:        hubDeviceName,
		},
	}
	if commands {
		payload.CommandTopic = commandTopic(prefix, st.EntityID)
		payload.PayloadOn = "ON"
		payload.PayloadOff = "OFF"
	}
	switch component {
	case "binary_sensor":
		payload.PayloadOn = core.StateOn
		payload.PayloadOff = core.StateOff
	case "sensor":
		if unit, ok := st.Attributes["unit_of_measurement"].(string); ok {
			payload.UnitOfMeasurement = unit
		}
	case "light", "switch":
		payload.ValueTemplate = "{{ value_json.state | upper }}"
	}
	if dc, ok := st.Attributes["device_class"].(string); ok {
		payload.DeviceClass = dc
	}

	return discoveryMsg{
		Topic:   discoveryTopic(discoveryPrefix, component, st.EntityID),
		Payload: mustJSON(payload),
	}, true
}

// buildRemoveDiscovery returns the empty retained message that removes an
// entity from HA.
func buildRemoveDiscovery(entityID, discoveryPrefix string) (discoveryMsg, bool) {
	domain, _ := core.SplitEntityID(entityID)
	component, _ := discoveryComponent(domain)
	if component == "" {
		return discoveryMsg{}, false
	}
	return discoveryMsg{Topic: discoveryTopic(discoveryPrefix, component, entityID)}, true
}
