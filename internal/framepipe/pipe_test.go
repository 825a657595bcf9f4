package framepipe

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestPipeCarriesFramesInOrder(t *testing.T) {
	p := New(2)

	go func() {
		for i := 0; i < 5; i++ {
			if err := p.Write(context.Background(), []byte{byte('a' + i), byte('a' + i)}); err != nil {
				t.Errorf("Write(%d) error: %v", i, err)
				return
			}
		}
		p.Close()
	}()

	out, err := io.ReadAll(p)
	if err != nil {
		t.Fatalf("ReadAll error: %v", err)
	}
	if !bytes.Equal(out, []byte("aabbccddee")) {
		t.Errorf("unexpected stream %q", out)
	}
}

func TestWriteBlocksWhenFull(t *testing.T) {
	p := New(1)
	ctx := context.Background()

	if err := p.Write(ctx, []byte("one")); err != nil {
		t.Fatal(err)
	}

	written := make(chan error, 1)
	go func() { written <- p.Write(ctx, []byte("two")) }()

	select {
	case <-written:
		t.Fatal("second write should wait for the reader")
	case <-time.After(50 * time.Millisecond):
	}

	buf := make([]byte, 3)
	if _, err := io.ReadFull(p, buf); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-written:
		if err != nil {
			t.Fatalf("Write error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("write did not resume after drain")
	}
}

func TestDestroyUnblocksWriterAndReader(t *testing.T) {
	p := New(1)
	ctx := context.Background()
	_ = p.Write(ctx, []byte("x"))

	boom := errors.New("encoder died")
	writeErr := make(chan error, 1)
	go func() { writeErr <- p.Write(ctx, []byte("y")) }()

	time.Sleep(10 * time.Millisecond)
	p.Destroy(boom)
	p.Destroy(errors.New("ignored"))

	select {
	case err := <-writeErr:
		if !errors.Is(err, boom) {
			t.Errorf("expected destroy error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("writer still blocked after destroy")
	}

	if _, err := p.Read(make([]byte, 4)); !errors.Is(err, boom) {
		t.Errorf("expected reader to see destroy error, got %v", err)
	}
}

func TestWriteRespectsContext(t *testing.T) {
	p := New(1)
	_ = p.Write(context.Background(), []byte("x"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := p.Write(ctx, []byte("y")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestWriteAfterClose(t *testing.T) {
	p := New(1)
	p.Close()
	p.Close()

	if !p.InputClosed() {
		t.Error("expected input closed")
	}
	if err := p.Write(context.Background(), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := p.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}
