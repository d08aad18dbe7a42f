package mqtt

import (
	"strings"

	"github.com/prudhvinik1/edgeshadow/internal/shadow"
)

const (
	thingsPrefix   = "things"
	shadowSegment  = "shadow"
	suffixAccepted = "accepted"
	suffixRejected = "rejected"
	suffixDocs     = "documents"
	suffixDelta    = "delta"

	// RequestWildcard matches every shadow request of every device.
	RequestWildcard = "things/+/shadow/+"
	// PresenceWildcard matches every device heartbeat.
	PresenceWildcard = "things/+/presence"
)

// ValidIdentity reports whether identity can be used as a topic level.
func ValidIdentity(identity string) bool {
	return identity != "" && !strings.ContainsAny(identity, "/+#$")
}

func shadowBase(identity string) string {
	return thingsPrefix + "/" + identity + "/" + shadowSegment
}

// RequestTopic is where requests for op are published.
func RequestTopic(identity string, op shadow.Operation) string {
	return shadowBase(identity) + "/" + string(op)
}

// ResponseTopic is where the authority answers a request for op.
func ResponseTopic(identity string, op shadow.Operation, kind shadow.StatusKind) string {
	return RequestTopic(identity, op) + "/" + string(kind)
}

// SessionTopic matches every response and notification for identity.
func SessionTopic(identity string) string {
	return shadowBase(identity) + "/+/+"
}

func DocumentsTopic(identity string) string {
	return RequestTopic(identity, shadow.OpUpdate) + "/" + suffixDocs
}

func DeltaTopic(identity string) string {
	return RequestTopic(identity, shadow.OpUpdate) + "/" + suffixDelta
}

func PresenceTopic(identity string) string {
	return thingsPrefix + "/" + identity + "/presence"
}

// MessagingTopic is the chat inbox of a device.
func MessagingTopic(identity string) string {
	return "lab/messaging/" + identity
}

type shadowTopic struct {
	identity string
	op       shadow.Operation
	suffix   string
}

// parseShadowTopic splits things/{id}/shadow/{op}[/{suffix}].
func parseShadowTopic(topic string) (shadowTopic, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || len(parts) > 5 || parts[0] != thingsPrefix || parts[2] != shadowSegment {
		return shadowTopic{}, false
	}
	t := shadowTopic{identity: parts[1], op: shadow.Operation(parts[3])}
	if !ValidIdentity(t.identity) {
		return shadowTopic{}, false
	}
	switch t.op {
	case shadow.OpGet, shadow.OpUpdate, shadow.OpDelete:
	default:
		return shadowTopic{}, false
	}
	if len(parts) == 5 {
		t.suffix = parts[4]
	}
	return t, true
}

// parsePresenceTopic extracts the identity of things/{id}/presence.
func parsePresenceTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != thingsPrefix || parts[2] != "presence" || !ValidIdentity(parts[1]) {
		return "", false
	}
	return parts[1], true
}
