package model

// Outbound command types.
const (
	CommandGetStates         = "get_states"
	CommandGetConfig         = "get_config"
	CommandGetServices       = "get_services"
	CommandGetPanels         = "get_panels"
	CommandListAreas         = "config/area_registry/list"
	CommandListDevices       = "config/device_registry/list"
	CommandListEntities      = "config/entity_registry/list"
	CommandCallService       = "call_service"
	CommandSubscribeEvents   = "subscribe_events"
	CommandSubscribeTrigger  = "subscribe_trigger"
	CommandUnsubscribeEvents = "unsubscribe_events"
	CommandPing              = "ping"
)

// IsToolCommand reports whether a command is a user-visible tool invocation
// that belongs in the session transcript.
func IsToolCommand(command string) bool {
	return command == CommandCallService
}
