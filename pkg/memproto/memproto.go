// Package memproto implements the lightweight binary protocol spoken between
// pkg/replica and internal/memserver, the reference Replica backend this
// module ships so pkg/zonecache has something concrete to run against in
// tests and examples.
//
// Adapted from cachemir's pkg/protocol: same length-prefixed, varint-encoded
// wire format, narrowed from a Redis-shaped command set to the memcached-
// shaped operation set §3.3 requires (get, get_bulk, meta_get, meta_debug,
// set, add, replace, append, append_or_add, delete, touch, incr, decr).
package memproto

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

const (
	protocolHeaderSize = 4
	maxMessageBytes     = 16 * 1024 * 1024
)

// CommandType identifies the operation a Command requests.
type CommandType uint8

const (
	CmdGet CommandType = iota
	CmdGetBulk
	CmdMetaGet
	CmdMetaDebug
	CmdSet
	CmdAdd
	CmdReplace
	CmdAppend
	CmdAppendOrAdd
	CmdDelete
	CmdTouch
	CmdIncr
	CmdDecr
	CmdPing
)

// Command is a client request to the reference backend.
type Command struct {
	Key     string
	Keys    []string
	Value   []byte
	TTL     time.Duration
	Delta   int64
	Initial int64
	Flags   uint32
	Type    CommandType
}

// ResponseType identifies the shape of a Response's payload.
type ResponseType uint8

const (
	RespOK ResponseType = iota
	RespError
	RespValue
	RespValues
	RespInt
	RespMetaDebug
	RespNil
)

// ValueEntry is one (flags, bytes) pair inside a bulk response.
type ValueEntry struct {
	Flags uint32
	Bytes []byte
}

// Response is the reference backend's reply to a Command.
type Response struct {
	Error     string
	Values    map[string]ValueEntry
	Bytes     []byte
	Int       int64
	Flags     uint32
	MetaCAS   uint64
	MetaTTL   time.Duration
	MetaFound bool
	Type      ResponseType
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func readString(data []byte, offset int) (string, int, error) {
	n, read := binary.Uvarint(data[offset:])
	if read <= 0 {
		return "", 0, fmt.Errorf("memproto: invalid string length")
	}
	offset += read
	if offset+int(n) > len(data) {
		return "", 0, fmt.Errorf("memproto: string data truncated")
	}
	return string(data[offset : offset+int(n)]), offset + int(n), nil
}

// Serialize encodes a Command into its binary wire form.
func (c *Command) Serialize() ([]byte, error) {
	var buf []byte
	buf = append(buf, byte(c.Type))
	buf = appendString(buf, c.Key)

	buf = binary.AppendUvarint(buf, uint64(len(c.Keys)))
	for _, k := range c.Keys {
		buf = appendString(buf, k)
	}

	buf = binary.AppendUvarint(buf, uint64(len(c.Value)))
	buf = append(buf, c.Value...)

	buf = binary.AppendVarint(buf, int64(c.TTL))
	buf = binary.AppendVarint(buf, c.Delta)
	buf = binary.AppendVarint(buf, c.Initial)
	buf = binary.AppendUvarint(buf, uint64(c.Flags))

	return buf, nil
}

// DeserializeCommand is the inverse of Command.Serialize.
func DeserializeCommand(data []byte) (*Command, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("memproto: empty command")
	}
	cmd := &Command{Type: CommandType(data[0])}
	offset := 1

	var err error
	cmd.Key, offset, err = readString(data, offset)
	if err != nil {
		return nil, err
	}

	count, n := binary.Uvarint(data[offset:])
	if n <= 0 {
		return nil, fmt.Errorf("memproto: invalid key count")
	}
	offset += n
	cmd.Keys = make([]string, count)
	for i := uint64(0); i < count; i++ {
		cmd.Keys[i], offset, err = readString(data, offset)
		if err != nil {
			return nil, err
		}
	}

	valLen, n := binary.Uvarint(data[offset:])
	if n <= 0 {
		return nil, fmt.Errorf("memproto: invalid value length")
	}
	offset += n
	if offset+int(valLen) > len(data) {
		return nil, fmt.Errorf("memproto: value data truncated")
	}
	cmd.Value = append([]byte(nil), data[offset:offset+int(valLen)]...)
	offset += int(valLen)

	ttl, n := binary.Varint(data[offset:])
	if n <= 0 {
		return nil, fmt.Errorf("memproto: invalid ttl")
	}
	offset += n
	cmd.TTL = time.Duration(ttl)

	delta, n := binary.Varint(data[offset:])
	if n <= 0 {
		return nil, fmt.Errorf("memproto: invalid delta")
	}
	offset += n
	cmd.Delta = delta

	initial, n := binary.Varint(data[offset:])
	if n <= 0 {
		return nil, fmt.Errorf("memproto: invalid initial")
	}
	offset += n
	cmd.Initial = initial

	flags, n := binary.Uvarint(data[offset:])
	if n <= 0 {
		return nil, fmt.Errorf("memproto: invalid flags")
	}
	cmd.Flags = uint32(flags)

	return cmd, nil
}

// Serialize encodes a Response into its binary wire form.
func (r *Response) Serialize() ([]byte, error) {
	var buf []byte
	buf = append(buf, byte(r.Type))

	switch r.Type {
	case RespOK, RespNil:
		return buf, nil
	case RespError:
		buf = appendString(buf, r.Error)
	case RespValue:
		buf = binary.AppendUvarint(buf, uint64(r.Flags))
		buf = binary.AppendUvarint(buf, uint64(len(r.Bytes)))
		buf = append(buf, r.Bytes...)
	case RespValues:
		buf = binary.AppendUvarint(buf, uint64(len(r.Values)))
		for k, v := range r.Values {
			buf = appendString(buf, k)
			buf = binary.AppendUvarint(buf, uint64(v.Flags))
			buf = binary.AppendUvarint(buf, uint64(len(v.Bytes)))
			buf = append(buf, v.Bytes...)
		}
	case RespInt:
		buf = binary.AppendVarint(buf, r.Int)
	case RespMetaDebug:
		if r.MetaFound {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = binary.AppendUvarint(buf, r.MetaCAS)
		buf = binary.AppendVarint(buf, int64(r.MetaTTL))
	}
	return buf, nil
}

// DeserializeResponse is the inverse of Response.Serialize.
func DeserializeResponse(data []byte) (*Response, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("memproto: empty response")
	}
	resp := &Response{Type: ResponseType(data[0])}
	offset := 1

	switch resp.Type {
	case RespOK, RespNil:
		return resp, nil
	case RespError:
		errStr, _, err := readString(data, offset)
		if err != nil {
			return nil, err
		}
		resp.Error = errStr
	case RespValue:
		flags, n := binary.Uvarint(data[offset:])
		if n <= 0 {
			return nil, fmt.Errorf("memproto: invalid flags")
		}
		offset += n
		resp.Flags = uint32(flags)
		vlen, n := binary.Uvarint(data[offset:])
		if n <= 0 {
			return nil, fmt.Errorf("memproto: invalid value length")
		}
		offset += n
		if offset+int(vlen) > len(data) {
			return nil, fmt.Errorf("memproto: value truncated")
		}
		resp.Bytes = append([]byte(nil), data[offset:offset+int(vlen)]...)
	case RespValues:
		count, n := binary.Uvarint(data[offset:])
		if n <= 0 {
			return nil, fmt.Errorf("memproto: invalid values count")
		}
		offset += n
		resp.Values = make(map[string]ValueEntry, count)
		for i := uint64(0); i < count; i++ {
			var k string
			var err error
			k, offset, err = readString(data, offset)
			if err != nil {
				return nil, err
			}
			flags, n := binary.Uvarint(data[offset:])
			if n <= 0 {
				return nil, fmt.Errorf("memproto: invalid flags")
			}
			offset += n
			vlen, n := binary.Uvarint(data[offset:])
			if n <= 0 {
				return nil, fmt.Errorf("memproto: invalid value length")
			}
			offset += n
			if offset+int(vlen) > len(data) {
				return nil, fmt.Errorf("memproto: value truncated")
			}
			resp.Values[k] = ValueEntry{Flags: uint32(flags), Bytes: append([]byte(nil), data[offset:offset+int(vlen)]...)}
			offset += int(vlen)
		}
	case RespInt:
		v, n := binary.Varint(data[offset:])
		if n <= 0 {
			return nil, fmt.Errorf("memproto: invalid int")
		}
		resp.Int = v
	case RespMetaDebug:
		if offset >= len(data) {
			return nil, fmt.Errorf("memproto: truncated meta-debug response")
		}
		resp.MetaFound = data[offset] == 1
		offset++
		cas, n := binary.Uvarint(data[offset:])
		if n <= 0 {
			return nil, fmt.Errorf("memproto: invalid cas")
		}
		offset += n
		ttl, n := binary.Varint(data[offset:])
		if n <= 0 {
			return nil, fmt.Errorf("memproto: invalid ttl")
		}
		resp.MetaCAS = cas
		resp.MetaTTL = time.Duration(ttl)
	}
	return resp, nil
}

// WriteCommand writes a length-framed Command.
func WriteCommand(w io.Writer, cmd *Command) error {
	data, err := cmd.Serialize()
	if err != nil {
		return err
	}
	return writeFramed(w, data)
}

// ReadCommand reads a length-framed Command.
func ReadCommand(r io.Reader) (*Command, error) {
	data, err := readFramed(r)
	if err != nil {
		return nil, err
	}
	return DeserializeCommand(data)
}

// WriteResponse writes a length-framed Response.
func WriteResponse(w io.Writer, resp *Response) error {
	data, err := resp.Serialize()
	if err != nil {
		return err
	}
	return writeFramed(w, data)
}

// ReadResponse reads a length-framed Response.
func ReadResponse(r io.Reader) (*Response, error) {
	data, err := readFramed(r)
	if err != nil {
		return nil, err
	}
	return DeserializeResponse(data)
}

func writeFramed(w io.Writer, data []byte) error {
	if len(data) > maxMessageBytes {
		return fmt.Errorf("memproto: message too large")
	}
	header := make([]byte, protocolHeaderSize)
	binary.BigEndian.PutUint32(header, uint32(len(data)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	header := make([]byte, protocolHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header)
	if length > maxMessageBytes {
		return nil, fmt.Errorf("memproto: message too large: %d bytes", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
