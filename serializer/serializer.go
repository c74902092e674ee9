/**

common serialize/deserialize functions

every protocol message and every piece of marshalled state in this
repo is encoded as length-prefixed fields and fixed width little
endian integers written through these helpers

 */
package serializer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// writes the field length, then the field to the writer
func WriteFieldBytes(buf *bufio.Writer, bytes []byte) error {
	//write field length
	size := uint32(len(bytes))
	if err := binary.Write(buf, binary.LittleEndian, &size); err != nil {
		return err
	}
	// write field
	n, err := buf.Write(bytes)
	if err != nil {
		return err
	}
	if uint32(n) != size {
		return fmt.Errorf("unexpected num bytes written. Expected %v, got %v", size, n)
	}
	return nil
}

// read field bytes
func ReadFieldBytes(buf *bufio.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(buf, binary.LittleEndian, &size); err != nil {
		return nil, err
	}

	bytes := make([]byte, size)
	if size == 0 {
		return bytes, nil
	}
	n, err := io.ReadFull(buf, bytes)
	if err != nil {
		return nil, err
	}
	if uint32(n) != size {
		return nil, fmt.Errorf("unexpected num bytes read. Expected %v, got %v", size, n)
	}
	return bytes, nil
}

func WriteFieldString(buf *bufio.Writer, s string) error {
	return WriteFieldBytes(buf, []byte(s))
}

func ReadFieldString(buf *bufio.Reader) (string, error) {
	bytes, err := ReadFieldBytes(buf)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func WriteUint32(buf *bufio.Writer, v uint32) error {
	return binary.Write(buf, binary.LittleEndian, &v)
}

func ReadUint32(buf *bufio.Reader) (uint32, error) {
	var v uint32
	if err := binary.Read(buf, binary.LittleEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func WriteUint64(buf *bufio.Writer, v uint64) error {
	return binary.Write(buf, binary.LittleEndian, &v)
}

func ReadUint64(buf *bufio.Reader) (uint64, error) {
	var v uint64
	if err := binary.Read(buf, binary.LittleEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func WriteInt32(buf *bufio.Writer, v int32) error {
	return binary.Write(buf, binary.LittleEndian, &v)
}

func ReadInt32(buf *bufio.Reader) (int32, error) {
	var v int32
	if err := binary.Read(buf, binary.LittleEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func WriteInt64(buf *bufio.Writer, v int64) error {
	return binary.Write(buf, binary.LittleEndian, &v)
}

func ReadInt64(buf *bufio.Reader) (int64, error) {
	var v int64
	if err := binary.Read(buf, binary.LittleEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func WriteByte(buf *bufio.Writer, v byte) error {
	return buf.WriteByte(v)
}

func ReadByte(buf *bufio.Reader) (byte, error) {
	return buf.ReadByte()
}

// writes the slice length, then each string as a field
func WriteStringSlice(buf *bufio.Writer, s []string) error {
	size := uint32(len(s))
	if err := binary.Write(buf, binary.LittleEndian, &size); err != nil {
		return err
	}
	for _, v := range s {
		if err := WriteFieldString(buf, v); err != nil {
			return err
		}
	}
	return nil
}

func ReadStringSlice(buf *bufio.Reader) ([]string, error) {
	var size uint32
	if err := binary.Read(buf, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	s := make([]string, size)
	for i := range s {
		v, err := ReadFieldString(buf)
		if err != nil {
			return nil, err
		}
		s[i] = v
	}
	return s, nil
}
