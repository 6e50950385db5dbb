// Package lifecycle implements the manager and client protocol engines:
// spawn, time-bounded handshake, active registry, and lease-backed forced
// cleanup, all over the pub/sub bus.
package lifecycle

import "strconv"

// Control commands exchanged between manager and client.
const (
	// CommandAddClient is sent once by a client to the manager's control
	// topic after connecting: add_client <client_topic_path> <client_id>.
	CommandAddClient = "add_client"
	// CommandDeleteClient asks a client to stop: published by the manager
	// to the client's control topic.
	CommandDeleteClient = "delete_client"
)

// Service protocols announced through discovery.
const (
	ProtocolManager = "flockctl/lifecycle_manager:0"
	ProtocolClient  = "flockctl/lifecycle_client:0"
)

// Replicated state keys.
const (
	// KeyClientsActive mirrors the size of the manager's active registry.
	KeyClientsActive = "lifecycle_manager_clients_active"
	// KeyManagerTopic is published by a client and names its manager.
	KeyManagerTopic = "lifecycle_client.lifecycle_manager_topic"
	// KeyLifecycle tracks a service's own lifecycle state field.
	KeyLifecycle = "lifecycle"

	clientKeyPrefix = "lifecycle_manager."
)

// clientKey is the per-client topic mapping key: lifecycle_manager.<id>.
func clientKey(id int) string {
	return clientKeyPrefix + strconv.Itoa(id)
}
