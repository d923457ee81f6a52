// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package codec

import (
	"errors"
	"fmt"
	"math"

	gjson "github.com/goccy/go-json"
)

// Tag identifies the type of an encoded value.
type Tag int16

const (
	TagNull Tag = iota + 1
	TagBool
	TagInt
	TagFloat
	TagString
	TagBuffer
	TagArray
	TagObject
	TagBean
)

func (t Tag) String() string {
	switch t {
	case TagNull:
		return "null"
	case TagBool:
		return "boolean"
	case TagInt:
		return "number"
	case TagFloat:
		return "float"
	case TagString:
		return "string"
	case TagBuffer:
		return "buffer"
	case TagArray:
		return "array"
	case TagObject:
		return "object"
	case TagBean:
		return "bean"
	default:
		return fmt.Sprintf("tag(%d)", int16(t))
	}
}

// maxDepth bounds nested arrays on decode.
const maxDepth = 64

var (
	ErrUnknownTag  = errors.New("codec: unknown value tag")
	ErrIntOverflow = errors.New("codec: integer does not fit in int32")
	ErrTooDeep     = errors.New("codec: value nested too deeply")
)

// TagOf reports the tag v would be encoded with.
func TagOf(v any) Tag {
	switch v.(type) {
	case nil:
		return TagNull
	case bool:
		return TagBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TagInt
	case float32, float64:
		return TagFloat
	case string:
		return TagString
	case []byte:
		return TagBuffer
	case []any:
		return TagArray
	case Bean:
		return TagBean
	default:
		return TagObject
	}
}

// WriteObject writes a tagged value. Values that are not one of the
// primitive shapes or a Bean are written as JSON objects.
func (c *Coder) WriteObject(o *OutputBuffer, v any) error {
	tag := TagOf(v)
	if tag == TagInt {
		n, err := toInt32(v)
		if err != nil {
			return err
		}
		o.WriteShort(int16(TagInt))
		o.WriteInt(n)
		return nil
	}

	o.WriteShort(int16(tag))
	switch tag {
	case TagNull:
	case TagBool:
		o.WriteBool(v.(bool))
	case TagFloat:
		switch f := v.(type) {
		case float32:
			o.WriteDouble(float64(f))
		case float64:
			o.WriteDouble(f)
		}
	case TagString:
		o.WriteString(v.(string))
	case TagBuffer:
		o.WriteBytes(v.([]byte))
	case TagArray:
		arr := v.([]any)
		o.WriteInt(int32(len(arr)))
		for i, elem := range arr {
			if err := c.WriteObject(o, elem); err != nil {
				return fmt.Errorf("array element %d: %w", i, err)
			}
		}
	case TagBean:
		bean := v.(Bean)
		o.WriteString(bean.BeanID())
		if err := bean.WriteFields(o); err != nil {
			return fmt.Errorf("bean %q: %w", bean.BeanID(), err)
		}
	case TagObject:
		data, err := gjson.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode object %T: %w", v, err)
		}
		o.WriteString(string(data))
	}
	return nil
}

// ReadObject reads one tagged value.
func (c *Coder) ReadObject(in *InputBuffer) (any, error) {
	return c.readObject(in, 0)
}

func (c *Coder) readObject(in *InputBuffer, depth int) (any, error) {
	if depth > maxDepth {
		return nil, ErrTooDeep
	}
	raw, err := in.ReadShort()
	if err != nil {
		return nil, err
	}
	switch tag := Tag(raw); tag {
	case TagNull:
		return nil, nil
	case TagBool:
		return in.ReadBool()
	case TagInt:
		return in.ReadInt()
	case TagFloat:
		return in.ReadDouble()
	case TagString:
		return in.ReadString()
	case TagBuffer:
		return in.ReadBytes()
	case TagArray:
		n, err := in.ReadInt()
		if err != nil {
			return nil, err
		}
		// every element needs at least its tag
		if n < 0 || int(n)*2 > in.Remaining() {
			return nil, fmt.Errorf("%w: array of %d elements", ErrShortBuffer, n)
		}
		arr := make([]any, 0, n)
		for i := int32(0); i < n; i++ {
			elem, err := c.readObject(in, depth+1)
			if err != nil {
				return nil, fmt.Errorf("array element %d: %w", i, err)
			}
			arr = append(arr, elem)
		}
		return arr, nil
	case TagObject:
		s, err := in.ReadString()
		if err != nil {
			return nil, err
		}
		var obj any
		if err := gjson.Unmarshal([]byte(s), &obj); err != nil {
			return nil, fmt.Errorf("decode object: %w", err)
		}
		return obj, nil
	case TagBean:
		id, err := in.ReadString()
		if err != nil {
			return nil, err
		}
		bean, err := c.registry().New(id)
		if err != nil {
			return nil, err
		}
		if err := bean.ReadFields(in); err != nil {
			return nil, fmt.Errorf("bean %q: %w", id, err)
		}
		return bean, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, raw)
	}
}

func toInt32(v any) (int32, error) {
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int8:
		n = int64(x)
	case int16:
		n = int64(x)
	case int32:
		return x, nil
	case int64:
		n = x
	case uint:
		if uint64(x) > math.MaxInt32 {
			return 0, fmt.Errorf("%w: %d", ErrIntOverflow, x)
		}
		n = int64(x)
	case uint8:
		n = int64(x)
	case uint16:
		n = int64(x)
	case uint32:
		n = int64(x)
	case uint64:
		if x > math.MaxInt32 {
			return 0, fmt.Errorf("%w: %d", ErrIntOverflow, x)
		}
		n = int64(x)
	}
	if n < math.MinInt32 || n > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %d", ErrIntOverflow, n)
	}
	return int32(n), nil
}
