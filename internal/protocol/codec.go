package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/dreamware/gridreduce/internal/endpoint"
)

// ErrUnknownTag is returned when decoding a tag with no registered payload.
var ErrUnknownTag = errors.New("unknown message tag")

// Envelope is the wire form of an endpoint.Message.
type Envelope struct {
	From    endpoint.ID     `json:"from"`
	To      endpoint.ID     `json:"to"`
	Tag     endpoint.Tag    `json:"tag"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var payloadTypes = map[endpoint.Tag]reflect.Type{}

func register(tag endpoint.Tag, name string, payload any) {
	endpoint.RegisterTag(tag, name)
	if payload != nil {
		payloadTypes[tag] = reflect.TypeOf(payload)
	}
}

func init() {
	register(endpoint.TagEndpointExit, "ENDPOINT_EXIT", endpoint.Exit{})
	register(endpoint.TagKill, "KILL", nil)

	register(TagFindSuccessor, "FIND_SUCCESSOR", FindSuccessor{})
	register(TagGotSuccessor, "GOT_SUCCESSOR", GotSuccessor{})
	register(TagInsert, "INSERT", Insert{})
	register(TagSetNext, "SET_NEXT", SetNext{})
	register(TagSetNextAck, "SET_NEXT_ACK", SetNextAck{})
	register(TagGetSuccessorList, "GET_SUCCESSOR_LIST", GetSuccessorList{})
	register(TagReplySuccessorList, "REPLY_SUCCESSOR_LIST", ReplySuccessorList{})
	register(TagGetTable, "GET_TABLE", GetTable{})
	register(TagReplyTable, "REPLY_TABLE", ReplyTable{})
	register(TagStabilize, "STABILIZE", Stabilize{})
	register(TagChordStarted, "CHORD_STARTED", ChordStarted{})
	register(TagIDChanged, "ID_CHANGED", IDChanged{})
	register(TagJoined, "JOINED", Joined{})
	register(TagRingFailed, "RING_FAILED", RingFailed{})

	register(TagNewTask, "NEWTASK", NewTask{})
	register(TagNewTaskResponse, "NEWTASK_RESPONSE", NewTaskResponse{})
	register(TagInitTask, "INITTASK", InitTask{})
	register(TagInitTaskResponse, "INITTASK_RESPONSE", InitTaskResponse{})
	register(TagStartTask, "STARTTASK", StartTask{})
	register(TagStartTaskResponse, "STARTTASK_RESPONSE", StartTaskResponse{})
	register(TagGetTasks, "GET_TASKS", GetTasks{})
	register(TagGetTasksResponse, "GET_TASKS_RESPONSE", GetTasksResponse{})
	register(TagKillTask, "KILL_TASK", KillTask{})
	register(TagOutput, "OUTPUT", Output{})
	register(TagTaskDone, "TASK_DONE", TaskDone{})

	register(TagShareRef, "SHARE_REF", ShareRef{})
	register(TagAddrAck, "ADDR_ACK", AddrAck{})
	register(TagFetch, "FETCH", Fetch{})
	register(TagRespond, "RESPOND", Respond{})

	register(TagStartDistGC, "START_DISTGC", StartDistGC{})
	register(TagStartDistGCAck, "START_DISTGC_ACK", StartDistGCAck{})
	register(TagMarkRoots, "MARKROOTS", MarkRoots{})
	register(TagMarkEntry, "MARKENTRY", MarkEntry{})
	register(TagUpdate, "UPDATE", Update{})
	register(TagSweep, "SWEEP", Sweep{})
	register(TagSweepAck, "SWEEPACK", SweepAck{})
	register(TagPause, "PAUSE", Pause{})
	register(TagPauseAck, "PAUSE_ACK", PauseAck{})
	register(TagResume, "RESUME", Resume{})
	register(TagGCFailed, "GC_FAILED", GCFailed{})
	register(TagStartGC, "START_GC", StartGC{})
	register(TagGCCycleDone, "GC_CYCLE_DONE", GCCycleDone{})
}

// Payload returns the payload of msg as a T.
func Payload[T any](msg endpoint.Message) (T, error) {
	switch p := msg.Payload.(type) {
	case T:
		return p, nil
	case *T:
		if p != nil {
			return *p, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%s: unexpected payload %T", msg.Tag, msg.Payload)
}

// Marshal encodes msg as a JSON Envelope.
func Marshal(msg endpoint.Message) ([]byte, error) {
	env := Envelope{From: msg.From, To: msg.To, Tag: msg.Tag}
	if msg.Payload != nil {
		raw, err := json.Marshal(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", msg.Tag, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// Unmarshal decodes an Envelope produced by Marshal. The payload is returned
// as the value type registered for its tag.
func Unmarshal(data []byte) (endpoint.Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return endpoint.Message{}, fmt.Errorf("decoding envelope: %w", err)
	}
	payload, err := DecodePayload(env.Tag, env.Payload)
	if err != nil {
		return endpoint.Message{}, err
	}
	return endpoint.Message{From: env.From, To: env.To, Tag: env.Tag, Payload: payload}, nil
}

// DecodePayload decodes raw into the payload type registered for tag.
func DecodePayload(tag endpoint.Tag, raw json.RawMessage) (any, error) {
	typ, ok := payloadTypes[tag]
	if !ok {
		if len(raw) == 0 || string(raw) == "null" {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownTag, tag)
	}
	ptr := reflect.New(typ)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", tag, err)
		}
	}
	return ptr.Elem().Interface(), nil
}
