package bus

import (
	"fmt"
	"strconv"
	"strings"
)

// Channel and topic name helpers.
//
// Names are namespaced so independent buses can share one Redis server or one
// libp2p swarm without seeing each other's traffic.

// RedisChannel returns the Pub/Sub channel for a subject.
// Pattern: cyphal:{namespace}:subject:{id}
func RedisChannel(namespace string, subject SubjectID) string {
	return fmt.Sprintf("cyphal:%s:subject:%d", namespace, subject)
}

// GossipTopic returns the gossipsub topic for a subject.
// Pattern: /cyphal/{namespace}/subject/{id}
func GossipTopic(namespace string, subject SubjectID) string {
	return fmt.Sprintf("/cyphal/%s/subject/%d", namespace, subject)
}

// SubjectFromName extracts the subject ID from a channel or topic name built
// by RedisChannel or GossipTopic.
func SubjectFromName(name string) (SubjectID, bool) {
	i := strings.LastIndexAny(name, ":/")
	if i < 0 || i == len(name)-1 {
		return 0, false
	}
	if !strings.HasSuffix(name[:i], "subject") {
		return 0, false
	}
	v, err := strconv.ParseUint(name[i+1:], 10, 16)
	if err != nil {
		return 0, false
	}
	s := SubjectID(v)
	if !s.Valid() {
		return 0, false
	}
	return s, true
}
