package wire

import (
	"bufio"
	"fmt"
	"io"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// msgpackHandle is shared across every frame: stateless and safe for
// concurrent use by multiple encoders/decoders (codec.Handle contract).
var msgpackHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.RawToString = true
	return h
}()

// WriteFrame writes a 1-byte Kind discriminator followed by the
// msgpack-encoded body (spec.md §6). w is expected to be a buffered
// writer that the caller flushes (internal/rpcfabric flushes after each
// frame).
func WriteFrame(w io.Writer, kind Kind, body interface{}) error {
	if _, err := w.Write([]byte{byte(kind)}); err != nil {
		return fmt.Errorf("wire: write kind byte: %w", err)
	}
	enc := codec.NewEncoder(w, msgpackHandle)
	if err := enc.Encode(body); err != nil {
		return fmt.Errorf("wire: encode %s body: %w", kind, err)
	}
	return nil
}

// ReadKind reads just the 1-byte discriminator, letting the caller
// dispatch to the right body type before decoding (internal/rpcfabric's
// server listener does exactly this).
func ReadKind(r *bufio.Reader) (Kind, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	return Kind(b), nil
}

// ReadBody decodes a msgpack body into out, which must be a pointer.
func ReadBody(r io.Reader, out interface{}) error {
	dec := codec.NewDecoder(r, msgpackHandle)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("wire: decode body: %w", err)
	}
	return nil
}

// WriteMigrationOp and ReadMigrationOp frame the migration sub-protocol's
// independent opcode space (spec.md §6) the same way, on the dedicated
// migration connection.
func WriteMigrationOp(w io.Writer, op MigrationOp, body interface{}) error {
	if _, err := w.Write([]byte{byte(op)}); err != nil {
		return fmt.Errorf("wire: write migration op byte: %w", err)
	}
	if body == nil {
		return nil
	}
	enc := codec.NewEncoder(w, msgpackHandle)
	if err := enc.Encode(body); err != nil {
		return fmt.Errorf("wire: encode %s body: %w", op, err)
	}
	return nil
}

func ReadMigrationOp(r *bufio.Reader) (MigrationOp, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	return MigrationOp(b), nil
}

// Marshal/Unmarshal serialize a value to and from msgpack bytes with the
// same handle as the framing codec; internal/rpcfabric, internal/migrate
// and internal/proclet use them for reply bodies, migration payloads and
// waiter continuations.
func Marshal(v interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("wire: marshal: %w", err)
	}
	return buf, nil
}

func Unmarshal(data []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(data, msgpackHandle)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("wire: unmarshal: %w", err)
	}
	return nil
}
