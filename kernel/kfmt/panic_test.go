package kfmt

import (
	"bytes"
	"errors"
	"testing"

	"osprey/kernel"
	"osprey/kernel/cpu"
)

func TestPanic(t *testing.T) {
	defer func() {
		outputSink = nil
		cpuDisableInterruptsFn = cpu.DisableInterrupts
		cpuHaltFn = cpu.Halt
	}()

	var (
		buf           bytes.Buffer
		cliCalled     bool
		cpuHaltCalled bool
	)
	cpuDisableInterruptsFn = func() { cliCalled = true }
	cpuHaltFn = func() { cpuHaltCalled = true }
	outputSink = &buf

	banner := "\n-----------------------------------\n"
	trailer := "*** kernel panic: system halted ***" + banner

	specs := []struct {
		desc string
		err  interface{}
		exp  string
	}{
		{
			"with *kernel.Error",
			&kernel.Error{Module: "test", Message: "panic test"},
			banner + "[test] unrecoverable error: panic test\n" + trailer,
		},
		{
			"with error",
			errors.New("go error"),
			banner + "[rt] unrecoverable error: go error\n" + trailer,
		},
		{
			"with string",
			"string error",
			banner + "[rt] unrecoverable error: string error\n" + trailer,
		},
		{
			"without error",
			nil,
			banner + trailer,
		},
	}

	for _, spec := range specs {
		t.Run(spec.desc, func(t *testing.T) {
			buf.Reset()
			cliCalled = false
			cpuHaltCalled = false

			Panic(spec.err)

			if got := buf.String(); got != spec.exp {
				t.Fatalf("expected to get:\n%q\ngot:\n%q", spec.exp, got)
			}

			if !cliCalled || !cpuHaltCalled {
				t.Fatal("expected Panic to disable interrupts and halt the CPU")
			}
		})
	}
}
