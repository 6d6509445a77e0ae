package fakenet

import (
	"errors"
	"io"
	"net"
	"testing"
)

func TestDialer_NotConfigured(t *testing.T) {
	d := NewDialer()
	if _, err := d.Dial("tcp", "db:5432"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v", err)
	}
	if got := d.Calls(); len(got) != 1 || got[0] != "db:5432" {
		t.Errorf("Calls() = %v", got)
	}
}

func TestDialer_Pipe(t *testing.T) {
	d := NewDialer()
	d.Pipe(func(_ string, c net.Conn) {
		defer c.Close()
		io.Copy(c, c)
	})

	conn, err := d.Dial("tcp", "echo:7")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.Write([]byte("ping"))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "ping" {
		t.Errorf("echo = %q, %v", buf, err)
	}
}

func TestListener_SetError(t *testing.T) {
	l := NewListener()
	boom := errors.New("bind: address already in use")
	l.SetError(boom)
	if _, err := l.Listen("tcp", "127.0.0.1:8080"); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
}

func TestListener_RealSocketByDefault(t *testing.T) {
	ln, err := NewListener().Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ln.Close()
}
