//go:build darwin

package activation

import (
	"fmt"
	"unsafe"

	"github.com/ebitengine/purego"
)

// libSystemPath hosts launch_activate_socket; it is always present on macOS
// and does not need locating via dyld's search paths.
const libSystemPath = "/usr/lib/libSystem.B.dylib"

var launchActivateSocketSym uintptr

func init() {
	handle, err := purego.Dlopen(libSystemPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return
	}
	sym, err := purego.Dlsym(handle, "launch_activate_socket")
	if err != nil {
		return
	}
	launchActivateSocketSym = sym
}

// platformActivateSocket calls launch_activate_socket(name, &fds, &cnt) from
// libSystem. The C signature returns an array of file descriptors it
// allocated with malloc; the caller is responsible for freeing it.
//
//	int launch_activate_socket(const char *name, int **fds, size_t *cnt);
func platformActivateSocket(name string) ([]int, error) {
	if launchActivateSocketSym == 0 {
		return nil, fmt.Errorf("launch_activate_socket: symbol not resolved")
	}

	cname := append([]byte(name), 0)

	var fdsPtr *int32
	var count uintptr

	ret, _, _ := purego.SyscallN(
		launchActivateSocketSym,
		uintptr(unsafe.Pointer(&cname[0])),
		uintptr(unsafe.Pointer(&fdsPtr)),
		uintptr(unsafe.Pointer(&count)),
	)
	if int32(ret) != 0 {
		return nil, fmt.Errorf("launch_activate_socket: errno %d", int32(ret))
	}
	if fdsPtr == nil || count == 0 {
		return nil, nil
	}
	defer freeDarwin(unsafe.Pointer(fdsPtr))

	raw := unsafe.Slice(fdsPtr, int(count))
	fds := make([]int, len(raw))
	for i, fd := range raw {
		fds[i] = int(fd)
	}
	return fds, nil
}

var freeSym uintptr

func init() {
	handle, err := purego.Dlopen(libSystemPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return
	}
	sym, err := purego.Dlsym(handle, "free")
	if err != nil {
		return
	}
	freeSym = sym
}

func freeDarwin(p unsafe.Pointer) {
	if freeSym == 0 {
		return
	}
	purego.SyscallN(freeSym, uintptr(p))
}
