package hrpc

import (
	"errors"
	"sync"
	"unsafe"

	pointer "github.com/mattn/go-pointer"
)

// hostRuntime is the minimal shape of the embedding host VM this engine
// may be loaded into -- an external collaborator per spec.md §1's
// scoping, named here only so ThreadAttachment has something to call.
type hostRuntime interface {
	AttachCurrentThread() error
	DetachCurrentThread() error
}

// ThreadAttachment is a scoped resource representing one goroutine's
// attachment to an embedding host runtime (Design Notes §9), acquired
// before a blocking call into host code and released after.
type ThreadAttachment struct {
	mu       sync.Mutex
	attached bool
}

// ErrNotAttached is returned by Release when given a token whose
// attachment was already released.
var ErrNotAttached = errors.New("hostattach: thread is not attached")

// Acquire attaches the calling goroutine's OS thread to host and returns
// an opaque token to pass to Release. The token is an unsafe.Pointer
// minted by mattn/go-pointer, the direct teacher dependency this package
// exists for: handing a Go value across a foreign-callback boundary as a
// raw pointer so host code can carry it without retaining a typed Go
// reference.
func Acquire(host hostRuntime) (unsafe.Pointer, error) {
	if err := host.AttachCurrentThread(); err != nil {
		return nil, err
	}
	att := &ThreadAttachment{attached: true}
	return pointer.Save(att), nil
}

// Release detaches the thread identified by token. Per Design Notes §9's
// open question ("does the cleanup routine's argument carry meaning?"),
// a nil token is accepted and treated as a no-op rather than an error,
// so callers that pass either the token from Acquire or a zero value
// both behave correctly.
func Release(host hostRuntime, token unsafe.Pointer) error {
	if token == nil {
		return nil
	}
	v := pointer.Restore(token)
	att, ok := v.(*ThreadAttachment)
	if !ok {
		// A released token was unregistered by pointer.Unref, so Restore
		// finds nothing for it.
		return ErrNotAttached
	}

	att.mu.Lock()
	if !att.attached {
		att.mu.Unlock()
		return ErrNotAttached
	}
	att.attached = false
	att.mu.Unlock()

	pointer.Unref(token)
	return host.DetachCurrentThread()
}
