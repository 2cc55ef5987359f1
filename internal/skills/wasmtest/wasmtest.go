// Package wasmtest assembles tiny wasm modules for skill tests.
package wasmtest

import (
	"os"
	"path/filepath"
	"testing"
)

const (
	opI32Const = 0x41
	opCall     = 0x10
	opDrop     = 0x1a
	opEnd      = 0x0b
	opLoop     = 0x03
	opBr       = 0x0c
	opI32Load  = 0x28
	opI32Store = 0x36
	i32        = 0x7f
	funcType   = 0x60
	blockEmpty = 0x40
)

var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func uleb(n int) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func name(s string) []byte { return concat(uleb(len(s)), []byte(s)) }

func section(id byte, items ...[]byte) []byte {
	body := concat(uleb(len(items)), concat(items...))
	return concat([]byte{id}, uleb(len(body)), body)
}

func i32const(v byte) []byte { return []byte{opI32Const, v} }

func body(code ...[]byte) []byte {
	b := concat([]byte{0x00}, concat(code...), []byte{opEnd})
	return concat(uleb(len(b)), b)
}

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

var (
	wasiIO  = []byte{funcType, 0x04, i32, i32, i32, i32, 0x01, i32}
	nullary = []byte{funcType, 0x00, 0x00}
	ptrLen  = []byte{funcType, 0x02, i32, i32, 0x00}
	memory1 = []byte{0x00, 0x01}
)

func importFunc(module, field string, typ byte) []byte {
	return concat(name(module), name(field), []byte{0x00, typ})
}

func export(field string, kind, index byte) []byte {
	return concat(name(field), []byte{kind, index})
}

func data(offset byte, bytes []byte) []byte {
	return concat([]byte{0x00}, i32const(offset), []byte{opEnd}, uleb(len(bytes)), bytes)
}

// Noop exports an empty function named entry.
func Noop(entry string) []byte {
	return concat(header,
		section(1, nullary),
		section(3, []byte{0x00}),
		section(7, export(entry, 0x00, 0x00)),
		section(10, body()),
	)
}

// Hello is a WASI command whose _start writes "hello" to stdout.
func Hello() []byte {
	return concat(header,
		section(1, wasiIO, nullary),
		section(2, importFunc("wasi_snapshot_preview1", "fd_write", 0)),
		section(3, []byte{0x01}),
		section(5, memory1),
		section(7, export("memory", 0x02, 0x00), export("_start", 0x00, 0x01)),
		section(10, body(
			i32const(1), i32const(0), i32const(1), i32const(20),
			[]byte{opCall, 0x00, opDrop},
		)),
		section(11, data(0, concat(le32(8), le32(5), []byte("hello")))),
	)
}

// Echo is a WASI command that copies up to 64 bytes of stdin to stdout.
func Echo() []byte {
	return concat(header,
		section(1, wasiIO, nullary),
		section(2,
			importFunc("wasi_snapshot_preview1", "fd_read", 0),
			importFunc("wasi_snapshot_preview1", "fd_write", 0),
		),
		section(3, []byte{0x01}),
		section(5, memory1),
		section(7, export("memory", 0x02, 0x00), export("_start", 0x00, 0x02)),
		section(10, body(
			// fd_read(0, iov=0, 1, nread=20)
			i32const(0), i32const(0), i32const(1), i32const(20),
			[]byte{opCall, 0x00, opDrop},
			// iov.len = nread
			i32const(4), i32const(20), []byte{opI32Load, 0x02, 0x00}, []byte{opI32Store, 0x02, 0x00},
			// fd_write(1, iov=0, 1, nwritten=24)
			i32const(1), i32const(0), i32const(1), i32const(24),
			[]byte{opCall, 0x01, opDrop},
		)),
		section(11, data(0, concat(le32(32), le32(64)))),
	)
}

// Spin is a WASI command whose _start never returns.
func Spin() []byte {
	return concat(header,
		section(1, nullary),
		section(3, []byte{0x00}),
		section(7, export("_start", 0x00, 0x00)),
		section(10, body([]byte{opLoop, blockEmpty, opBr, 0x00, opEnd})),
	)
}

// Logger is a WASI command whose _start calls env.host_log with "hi".
func Logger() []byte {
	return concat(header,
		section(1, ptrLen, nullary),
		section(2, importFunc("env", "host_log", 0)),
		section(3, []byte{0x01}),
		section(5, memory1),
		section(7, export("memory", 0x02, 0x00), export("_start", 0x00, 0x01)),
		section(10, body(i32const(0), i32const(2), []byte{opCall, 0x00})),
		section(11, data(0, []byte("hi"))),
	)
}

// Write stores a module under dir and returns its path.
func Write(t testing.TB, dir, file string, module []byte) string {
	t.Helper()
	path := filepath.Join(dir, file)
	if err := os.WriteFile(path, module, 0o644); err != nil {
		t.Fatalf("write wasm module: %v", err)
	}
	return path
}
