// Package ops stores operations in a compact binary form: as standalone
// records for the redis mirror and as append-only spool files for replicas
// that exit with unsent edits.
package ops

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"quill/internal/anchor"
	"quill/internal/crdt"
	"quill/internal/ident"
)

const recordVersion = 1

var ErrBadRecord = errors.New("bad operation record")

// WriteOp writes a single op in binary
func WriteOp(w io.Writer, op crdt.Operation) error {
	// Format:
	// [1 byte version]
	// [1 byte kind]
	// [8 bytes timestamp]
	// [2 bytes originLen][origin]
	// [4 bytes contentLen][content]
	// [2 bytes anchor count]{[2 bytes len][token]}
	// [2 bytes id count]{[2 bytes len][id]}
	// [2 bytes replaced count]{[2 bytes len][id]}
	var buf bytes.Buffer
	buf.WriteByte(recordVersion)
	buf.WriteByte(byte(op.Kind))
	binary.Write(&buf, binary.BigEndian, op.Timestamp)
	if err := writeShort(&buf, op.Origin); err != nil {
		return err
	}
	binary.Write(&buf, binary.BigEndian, uint32(len(op.Content)))
	buf.WriteString(op.Content)
	if err := writeList(&buf, op.Anchor.Strings()); err != nil {
		return err
	}
	if err := writeList(&buf, ident.Strings(op.IDs)); err != nil {
		return err
	}
	if err := writeList(&buf, ident.Strings(op.Replaces)); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func writeShort(buf *bytes.Buffer, s string) error {
	if len(s) > 0xffff {
		return fmt.Errorf("%w: field of %d bytes", ErrBadRecord, len(s))
	}
	binary.Write(buf, binary.BigEndian, uint16(len(s)))
	buf.WriteString(s)
	return nil
}

func writeList(buf *bytes.Buffer, ss []string) error {
	if len(ss) > 0xffff {
		return fmt.Errorf("%w: list of %d entries", ErrBadRecord, len(ss))
	}
	binary.Write(buf, binary.BigEndian, uint16(len(ss)))
	for _, s := range ss {
		if err := writeShort(buf, s); err != nil {
			return err
		}
	}
	return nil
}

// ReadOp reads the next op. It returns io.EOF only when r is exhausted
// before the record starts; a record cut short yields io.ErrUnexpectedEOF.
func ReadOp(r io.Reader) (*crdt.Operation, error) {
	header := make([]byte, 1+1+8)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if header[0] != recordVersion {
		return nil, fmt.Errorf("%w: version %d", ErrBadRecord, header[0])
	}
	op := &crdt.Operation{
		Kind:      crdt.OpKind(header[1]),
		Timestamp: int64(binary.BigEndian.Uint64(header[2:10])),
	}
	var err error
	if op.Origin, err = readShort(r); err != nil {
		return nil, err
	}
	var contentLen uint32
	if err := binary.Read(r, binary.BigEndian, &contentLen); err != nil {
		return nil, noEOF(err)
	}
	content := make([]byte, contentLen)
	if _, err := io.ReadFull(r, content); err != nil {
		return nil, noEOF(err)
	}
	op.Content = string(content)

	tokens, err := readList(r)
	if err != nil {
		return nil, err
	}
	if op.Anchor, err = anchor.ParsePath(tokens); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	ids, err := readList(r)
	if err != nil {
		return nil, err
	}
	if op.IDs, err = parseIDs(ids); err != nil {
		return nil, err
	}
	replaced, err := readList(r)
	if err != nil {
		return nil, err
	}
	if op.Replaces, err = parseIDs(replaced); err != nil {
		return nil, err
	}
	if err := op.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	return op, nil
}

func parseIDs(ss []string) ([]ident.ID, error) {
	if len(ss) == 0 {
		return nil, nil
	}
	ids, err := ident.ParseAll(ss)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	return ids, nil
}

func readShort(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", noEOF(err)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", noEOF(err)
	}
	return string(b), nil
}

func readList(r io.Reader) ([]string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, noEOF(err)
	}
	out := make([]string, 0, n)
	for i := 0; i < int(n); i++ {
		s, err := readShort(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// noEOF turns an EOF inside a record into io.ErrUnexpectedEOF.
func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Marshal encodes op as one standalone record.
func Marshal(op crdt.Operation) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteOp(&buf, op); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a record produced by Marshal.
func Unmarshal(b []byte) (crdt.Operation, error) {
	op, err := ReadOp(bytes.NewReader(b))
	if err != nil {
		return crdt.Operation{}, err
	}
	return *op, nil
}

// LoadAllOps reads every op in filename. A missing file is empty and a
// truncated trailing record (an interrupted append) is ignored.
func LoadAllOps(filename string) ([]crdt.Operation, error) {
	var out []crdt.Operation
	f, err := os.Open(filename)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	for {
		op, e := ReadOp(f)
		if e == io.EOF {
			break
		}
		if errors.Is(e, io.ErrUnexpectedEOF) {
			// partial trailing record
			break
		}
		if e != nil {
			return out, fmt.Errorf("reading %s: %w", filename, e)
		}
		out = append(out, *op)
	}
	return out, nil
}

func AppendOp(filename string, op crdt.Operation) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteOp(f, op)
}

// WriteAllOps replaces filename with ops. An empty list removes the file.
func WriteAllOps(filename string, ops []crdt.Operation) error {
	if len(ops) == 0 {
		if err := os.Remove(filename); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	tempPath := filename + ".tmp"
	f, err := os.Create(tempPath)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if err := WriteOp(f, op); err != nil {
			f.Close()
			os.Remove(tempPath)
			return err
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}
	// Atomically replace the old file with the new one
	return os.Rename(tempPath, filename)
}
