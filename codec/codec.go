// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package codec implements the binary envelope exchanged between mailboxes
// and acceptors.
//
// A request is laid out as
//
//	[id:uint32][namespace][serverType][service][method][args:value]
//
// and a response as
//
//	[id:uint32][results:value]
//
// Strings are an int32 length followed by UTF-8 bytes. Values carry an
// int16 tag (see Tag) followed by their payload, so the receiver can rebuild
// them without a schema.
package codec

import "fmt"

// Message is one remote invocation.
type Message struct {
	Namespace  string `json:"namespace"`
	ServerType string `json:"serverType"`
	Service    string `json:"service"`
	Method     string `json:"method"`
	Args       []any  `json:"args"`
}

// Codec encodes/decodes RPC envelopes
type Codec interface {
	EncodeRequest(id uint32, msg *Message) ([]byte, error)
	DecodeRequest(data []byte) (uint32, *Message, error)
	EncodeResponse(id uint32, results []any) ([]byte, error)
	DecodeResponse(data []byte) (uint32, []any, error)
}

// Coder is the binary Codec. A zero Coder resolves beans through the
// package-level registry.
type Coder struct {
	Registry *Registry
}

// Binary is the default codec
var Binary Codec = &Coder{}

func (c *Coder) registry() *Registry {
	if c.Registry != nil {
		return c.Registry
	}
	return defaultRegistry
}

func (c *Coder) EncodeRequest(id uint32, msg *Message) ([]byte, error) {
	out := NewOutputBuffer(0)
	out.WriteUInt(id)
	out.WriteString(msg.Namespace)
	out.WriteString(msg.ServerType)
	out.WriteString(msg.Service)
	out.WriteString(msg.Method)
	args := msg.Args
	if args == nil {
		args = []any{}
	}
	if err := c.WriteObject(out, args); err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	return out.Bytes(), nil
}

func (c *Coder) DecodeRequest(data []byte) (uint32, *Message, error) {
	in := NewInputBuffer(data)
	id, err := in.ReadUInt()
	if err != nil {
		return 0, nil, err
	}
	msg := &Message{}
	for _, field := range []*string{&msg.Namespace, &msg.ServerType, &msg.Service, &msg.Method} {
		if *field, err = in.ReadString(); err != nil {
			return id, nil, err
		}
	}
	args, err := c.ReadObject(in)
	if err != nil {
		return id, nil, fmt.Errorf("decode args: %w", err)
	}
	msg.Args, err = asList(args)
	return id, msg, err
}

func (c *Coder) EncodeResponse(id uint32, results []any) ([]byte, error) {
	out := NewOutputBuffer(0)
	out.WriteUInt(id)
	if results == nil {
		results = []any{}
	}
	if err := c.WriteObject(out, results); err != nil {
		return nil, fmt.Errorf("encode results: %w", err)
	}
	return out.Bytes(), nil
}

func (c *Coder) DecodeResponse(data []byte) (uint32, []any, error) {
	in := NewInputBuffer(data)
	id, err := in.ReadUInt()
	if err != nil {
		return 0, nil, err
	}
	v, err := c.ReadObject(in)
	if err != nil {
		return id, nil, fmt.Errorf("decode results: %w", err)
	}
	results, err := asList(v)
	return id, results, err
}

// PeekID returns the correlation id at the head of an envelope.
func PeekID(data []byte) (uint32, error) {
	return NewInputBuffer(data).ReadUInt()
}

func asList(v any) ([]any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return x, nil
	default:
		return nil, fmt.Errorf("codec: expected array, got %s", TagOf(v))
	}
}
