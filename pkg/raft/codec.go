package raft

import (
	"encoding/json"
	"fmt"
)

// MessageType names one of the four RPC shapes. It used to be declared
// twice, once with equality and codec support and once without; this is
// the richer of the two, treated as the single authoritative definition.
type MessageType string

const (
	MessageTypeAppendEntries         MessageType = "AppendEntries"
	MessageTypeAppendEntriesResponse MessageType = "AppendEntriesResponse"
	MessageTypeRequestVote           MessageType = "RequestVote"
	MessageTypeRequestVoteResponse   MessageType = "RequestVoteResponse"
)

// IsRequest is true for the two message types a peer initiates.
func (t MessageType) IsRequest() bool {
	return t == MessageTypeAppendEntries || t == MessageTypeRequestVote
}

// IsResponse is true for the two message types that answer a request.
func (t MessageType) IsResponse() bool {
	return t == MessageTypeAppendEntriesResponse || t == MessageTypeRequestVoteResponse
}

// MessageInfo stamps an envelope with who sent it and which outstanding
// request it correlates with.
type MessageInfo struct {
	From ServerId
	Id   MessageId
}

type wireInfo struct {
	From ServerId  `json:"_msgFrom"`
	Id   MessageId `json:"_msgId"`
}

// Arg is one named, independently-encoded argument. On the wire it is a
// ["name", "<escaped-json-string>"] pair: the argument value is encoded to
// JSON, and that JSON text is embedded as a string inside the outer
// envelope, i.e. double-encoded. Preserving this exact shape is required
// for interoperation with existing peers; it is not revisited here.
type Arg struct {
	Name string
	Blob string // the inner JSON document, already serialized to text
}

func (a Arg) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{a.Name, a.Blob})
}

func (a *Arg) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("malformed arg: %w", err)
	}
	a.Name = pair[0]
	a.Blob = pair[1]
	return nil
}

func encodeArg(name string, value interface{}) (Arg, error) {
	blob, err := json.Marshal(value)
	if err != nil {
		return Arg{}, fmt.Errorf("cannot encode argument %q: %w", name, err)
	}
	return Arg{Name: name, Blob: string(blob)}, nil
}

// Envelope is the self-describing wire message: a type tag, an ordered
// list of named arguments, and sender/correlation info.
type Envelope struct {
	Type MessageType
	Args []Arg
	Info MessageInfo
}

type wireEnvelope struct {
	Type string `json:"_msgType"`
	Args []Arg  `json:"_msgArgs"`
	Info wireInfo `json:"_msgInfo"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		Type: string(e.Type),
		Args: e.Args,
		Info: wireInfo{From: e.Info.From, Id: e.Info.Id},
	})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("malformed envelope: %w", err)
	}
	e.Type = MessageType(w.Type)
	e.Args = w.Args
	e.Info = MessageInfo{From: w.Info.From, Id: w.Info.Id}
	return nil
}

// EncodeEnvelope serializes an envelope for the wire.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// DecodeEnvelope parses an envelope off the wire. A syntactically invalid
// envelope is a MalformedMessage: the caller should drop it silently.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// arg looks up a named argument's inner JSON text. Unknown keys in the
// envelope are ignored; a missing key reports absent.
func (e *Envelope) arg(name string) (string, bool) {
	for _, a := range e.Args {
		if a.Name == name {
			return a.Blob, true
		}
	}
	return "", false
}

// decodeArg reads a named argument as T. It reports absent both when the
// key is missing and when the blob fails to decode as T, matching the
// "decoding an argument returns absent" contract.
func decodeArg[T any](e *Envelope, name string) (T, bool) {
	var zero T

	blob, found := e.arg(name)
	if !found {
		return zero, false
	}

	var value T
	if err := json.Unmarshal([]byte(blob), &value); err != nil {
		return zero, false
	}

	return value, true
}
