package cache

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestWriteCommandEncodesBulkArray(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := writeCommand(w, []byte("SET"), []byte("k"), []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	want := "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$5\r\nhello\r\n"
	if buf.String() != want {
		t.Fatalf("expected %q, got %q", want, buf.String())
	}
}

func TestReadReplyKinds(t *testing.T) {
	tests := []struct {
		name  string
		input string
		kind  replyKind
		data  string
	}{
		{name: "status", input: "+OK\r\n", kind: kindStatus, data: "OK"},
		{name: "integer", input: ":3\r\n", kind: kindInteger, data: "3"},
		{name: "bulk", input: "$5\r\nhello\r\n", kind: kindBulk, data: "hello"},
		{name: "empty bulk", input: "$0\r\n\r\n", kind: kindBulk, data: ""},
		{name: "nil bulk", input: "$-1\r\n", kind: kindNil},
		{name: "nil array", input: "*-1\r\n", kind: kindNil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := readReply(bufio.NewReader(strings.NewReader(tt.input)))
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if res.kind != tt.kind || string(res.data) != tt.data {
				t.Fatalf("expected %q/%q, got %q/%q", tt.kind, tt.data, res.kind, res.data)
			}
		})
	}
}

func TestReadReplyNestedArray(t *testing.T) {
	input := "*2\r\n$1\r\n0\r\n*2\r\n$3\r\nk:a\r\n$3\r\nk:b\r\n"
	res, err := readReply(bufio.NewReader(strings.NewReader(input)))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.kind != kindArray || len(res.elems) != 2 {
		t.Fatalf("unexpected reply %+v", res)
	}
	keys := res.elems[1].elems
	if len(keys) != 2 || string(keys[0].data) != "k:a" || string(keys[1].data) != "k:b" {
		t.Fatalf("unexpected keys %+v", keys)
	}
}

func TestReadReplyServerError(t *testing.T) {
	_, err := readReply(bufio.NewReader(strings.NewReader("-NOAUTH Authentication required.\r\n")))
	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("expected ServerError, got %v", err)
	}
	if !strings.HasPrefix(serverErr.Message, "NOAUTH") {
		t.Fatalf("unexpected message %q", serverErr.Message)
	}
}

func TestReadReplyRejectsBadTermination(t *testing.T) {
	if _, err := readReply(bufio.NewReader(strings.NewReader("+OK\n"))); err == nil {
		t.Fatalf("expected error for bare LF")
	}
}
