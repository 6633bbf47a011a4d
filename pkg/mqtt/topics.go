package mqtt

import (
	"fmt"
	"strings"
)

const (
	updateSuffix = "updates"
	clearSuffix  = "clear"
	closeSuffix  = "close"
	aliveSuffix  = "alive"

	topicPrefix = "fedsync"
)

func nodeTopic(fleet, nodeID, suffix string) string {
	return fmt.Sprintf("%s/%s/nodes/%s/%s", topicPrefix, fleet, nodeID, suffix)
}

func UpdateTopic(fleet, nodeID string) string {
	return nodeTopic(fleet, nodeID, updateSuffix)
}

func ClearTopic(fleet, nodeID string) string {
	return nodeTopic(fleet, nodeID, clearSuffix)
}

func CloseTopic(fleet, nodeID string) string {
	return nodeTopic(fleet, nodeID, closeSuffix)
}

func AliveTopic(fleet, nodeID string) string {
	return nodeTopic(fleet, nodeID, aliveSuffix)
}

// InboxTopic matches every message addressed to nodeID.
func InboxTopic(fleet, nodeID string) string {
	return nodeTopic(fleet, nodeID, "+")
}

func suffix(topic string) string {
	return topic[strings.LastIndex(topic, "/")+1:]
}
