package kernel

import (
	"bytes"
	"testing"

	"github.com/achilleasa/gopher-os/kernel/cpu"
	"github.com/achilleasa/gopher-os/kernel/kfmt/early"
)

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
		early.Sink = origSink
	}()

	var cpuHaltCalled bool
	cpuHaltFn = func() {
		cpuHaltCalled = true
	}

	t.Run("with error", func(t *testing.T) {
		cpuHaltCalled = false
		buf := mockSink()
		err := &Error{Module: "test", Message: "panic test"}

		Panic(err)

		exp := "\n-----------------------------------\n[test] unrecoverable error: panic test\n*** kernel panic: system halted ***\n-----------------------------------\n"

		if got := buf.String(); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}
	})

	t.Run("without error", func(t *testing.T) {
		cpuHaltCalled = false
		buf := mockSink()

		Panic(nil)

		exp := "\n-----------------------------------\n*** kernel panic: system halted ***\n-----------------------------------\n"

		if got := buf.String(); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}
	})
}

var origSink = early.Sink

// bufSink adapts a bytes.Buffer to the early.sinkWriter interface so tests
// can capture Printf output without a real console.
type bufSink struct {
	*bytes.Buffer
}

func (s bufSink) WriteByte(c byte) error { return s.Buffer.WriteByte(c) }

func mockSink() *bytes.Buffer {
	buf := &bytes.Buffer{}
	early.Sink = bufSink{buf}
	return buf
}
