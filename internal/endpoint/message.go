package endpoint

import (
	"strconv"
	"sync"
)

// Tag identifies the logical type of a message.
type Tag uint16

// Substrate tags. Protocol packages register their own tags above these.
const (
	TagEndpointExit Tag = 1
	TagKill         Tag = 2
)

var (
	tagMu    sync.RWMutex
	tagNames = map[Tag]string{
		TagEndpointExit: "ENDPOINT_EXIT",
		TagKill:         "KILL",
	}
)

// RegisterTag gives a tag a printable name.
func RegisterTag(tag Tag, name string) {
	tagMu.Lock()
	defer tagMu.Unlock()
	tagNames[tag] = name
}

func (t Tag) String() string {
	tagMu.RLock()
	defer tagMu.RUnlock()
	if name, ok := tagNames[t]; ok {
		return name
	}
	return "TAG(" + strconv.Itoa(int(t)) + ")"
}

// Message is one tagged delivery between two endpoints.
type Message struct {
	From    ID
	To      ID
	Tag     Tag
	Payload any
}

// Exit is the payload of TagEndpointExit.
type Exit struct {
	Endpoint ID `json:"endpoint"`
}

// ExitOf returns the exited endpoint if msg is an exit notification.
func ExitOf(msg Message) (ID, bool) {
	if msg.Tag != TagEndpointExit {
		return ID{}, false
	}
	switch p := msg.Payload.(type) {
	case Exit:
		return p.Endpoint, true
	case *Exit:
		return p.Endpoint, true
	}
	return ID{}, false
}
