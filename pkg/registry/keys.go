package registry

import "fmt"

// Key schema (spec §4.1).

func routeKey(kind, messageType string) string {
	return fmt.Sprintf("route:%s:%s", kind, messageType)
}

func handlersKey(kind, instanceID string) string {
	return fmt.Sprintf("handlers:%s:%s", kind, instanceID)
}

func healthKey(instanceID string) string {
	return fmt.Sprintf("health:%s", instanceID)
}

func instanceKey(instanceID string) string {
	return fmt.Sprintf("instance:%s", instanceID)
}

func serviceKey(serviceName string) string {
	return fmt.Sprintf("service:%s", serviceName)
}
