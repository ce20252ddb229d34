package cache

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// replyKind enumerates the RESP2 reply types the provider understands.
type replyKind byte

const (
	kindStatus  replyKind = '+'
	kindError   replyKind = '-'
	kindInteger replyKind = ':'
	kindBulk    replyKind = '$'
	kindArray   replyKind = '*'
	kindNil     replyKind = 0
)

type reply struct {
	kind  replyKind
	data  []byte
	elems []reply
}

func (r reply) isOK() bool {
	return r.kind == kindStatus && string(r.data) == "OK"
}

// ServerError is an error reply returned by the server, e.g. WRONGTYPE or NOAUTH.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return "valkey: " + e.Message }

// writeCommand encodes a command as a RESP array of bulk strings.
func writeCommand(w *bufio.Writer, args ...[]byte) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(args)); err != nil {
		return err
	}
	for _, arg := range args {
		if _, err := fmt.Fprintf(w, "$%d\r\n", len(arg)); err != nil {
			return err
		}
		if _, err := w.Write(arg); err != nil {
			return err
		}
		if _, err := w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	return w.Flush()
}

// readReply decodes a single reply. Error replies are returned as *ServerError.
func readReply(r *bufio.Reader) (reply, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return reply{}, err
	}
	line, err := readLine(r)
	if err != nil {
		return reply{}, err
	}

	switch replyKind(prefix) {
	case kindStatus, kindInteger:
		return reply{kind: replyKind(prefix), data: line}, nil
	case kindError:
		return reply{}, &ServerError{Message: string(line)}
	case kindBulk:
		size, err := strconv.Atoi(string(line))
		if err != nil {
			return reply{}, fmt.Errorf("bulk length: %w", err)
		}
		if size < 0 {
			return reply{kind: kindNil}, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return reply{}, err
		}
		if buf[size] != '\r' || buf[size+1] != '\n' {
			return reply{}, errors.New("invalid bulk termination")
		}
		return reply{kind: kindBulk, data: buf[:size]}, nil
	case kindArray:
		count, err := strconv.Atoi(string(line))
		if err != nil {
			return reply{}, fmt.Errorf("array length: %w", err)
		}
		if count < 0 {
			return reply{kind: kindNil}, nil
		}
		elems := make([]reply, 0, count)
		for i := 0; i < count; i++ {
			elem, err := readReply(r)
			if err != nil {
				return reply{}, err
			}
			elems = append(elems, elem)
		}
		return reply{kind: kindArray, elems: elems}, nil
	default:
		return reply{}, fmt.Errorf("unexpected RESP prefix %q", prefix)
	}
}

func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadSlice('\n')
	if err != nil {
		return nil, err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, errors.New("invalid line termination")
	}
	return append([]byte(nil), line[:len(line)-2]...), nil
}
