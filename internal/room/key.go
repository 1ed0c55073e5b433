// Package room implements transport-level broadcast groups, one per
// conversation. Membership lives only in memory and is rebuilt by clients
// re-joining after they reconnect.
package room

import (
	"fmt"
	"strconv"
	"strings"
)

// Room key namespaces. Direct chats and groups are kept apart so that a chat
// and a group with the same numeric id never share a room.
const (
	NamespaceChat  = "chat"
	NamespaceGroup = "group"
)

// Key builds the room key for a conversation id under a namespace.
func Key(namespace string, id int64) string {
	return namespace + ":" + strconv.FormatInt(id, 10)
}

// ChatKey returns the room key of a direct chat.
func ChatKey(id int64) string { return Key(NamespaceChat, id) }

// GroupKey returns the room key of a group conversation.
func GroupKey(id int64) string { return Key(NamespaceGroup, id) }

// ParseKey splits a room key into namespace and id. Only the known
// namespaces and positive ids are accepted.
func ParseKey(key string) (string, int64, error) {
	ns, raw, ok := strings.Cut(key, ":")
	if !ok {
		return "", 0, fmt.Errorf("room: malformed key %q", key)
	}
	if ns != NamespaceChat && ns != NamespaceGroup {
		return "", 0, fmt.Errorf("room: unknown namespace %q", ns)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("room: invalid id in key %q", key)
	}
	return ns, id, nil
}
