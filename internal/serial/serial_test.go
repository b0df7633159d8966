package serial

import (
	"bytes"
	"testing"
)

func TestWriteString(t *testing.T) {
	var buf bytes.Buffer
	p := New(NewHostSink(&buf))

	p.WriteString("hello\n")

	if got, want := buf.String(), "hello\n"; got != want {
		t.Fatalf("WriteString wrote %q, want %q", got, want)
	}
}

func TestWriteByteIndividually(t *testing.T) {
	var buf bytes.Buffer
	p := New(NewHostSink(&buf))

	for _, b := range []byte("abc") {
		p.WriteByte(b)
	}

	if got, want := buf.String(), "abc"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWriterInterface(t *testing.T) {
	var buf bytes.Buffer
	p := New(NewHostSink(&buf))

	n, err := p.Write([]byte("xyz"))
	if err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if n != 3 {
		t.Fatalf("Write returned n=%d, want 3", n)
	}
	if buf.String() != "xyz" {
		t.Fatalf("got %q", buf.String())
	}
}
