//go:build wasip1

package host

import (
	"encoding/json"
	"io"
	"os"
	"unsafe"
)

// Log forwards text to the host runtime via the imported host_log function.
// The host drops it unless the manifest grants host:log.
func Log(msg string) {
	if len(msg) == 0 {
		return
	}
	b := []byte(msg)
	hostLog(unsafe.Pointer(&b[0]), uint32(len(b)))
}

// Args decodes the tool arguments the host wrote to stdin.
func Args(v any) error {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		data = []byte(os.Getenv("LOQA_TOOL_ARGS"))
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// Reply writes the tool result the agent will read.
func Reply(text string) {
	_, _ = os.Stdout.WriteString(text)
}

// Fail reports an error on stderr and exits non-zero.
func Fail(msg string) {
	_, _ = os.Stderr.WriteString(msg)
	os.Exit(1)
}

//go:wasmimport env host_log
func hostLog(ptr unsafe.Pointer, length uint32)
