package shm

import (
	"fmt"
	"reflect"
	"sync"
	"unsafe"
)

// Destroyer is implemented by payload types that need to run logic when the
// shared instance is destructed. Destroy runs in place, on the shared
// memory, under the segment lock, exactly once per instance.
type Destroyer interface {
	Destroy()
}

const (
	blockMagic   = uint32(0x50545231) // "PTR1"
	blockVersion = uint16(1)

	blockHeaderSize = 64
)

// Block states. Every transition happens with the segment lock held.
const (
	stateUninitialized uint8 = iota
	stateLive
	stateDestroyed
)

// blockHeader precedes the payload when RefCountedSharing is used.
type blockHeader struct {
	magic       uint32
	version     uint16
	state       uint8
	owned       uint8
	count       uint64
	payloadSize uint64
	_           [40]byte
}

// blockHeader must stay exactly blockHeaderSize bytes; both indexes are out
// of range otherwise.
var _ = [1]struct{}{}[unsafe.Sizeof(blockHeader{})-blockHeaderSize]
var _ = [1]struct{}{}[blockHeaderSize-unsafe.Sizeof(blockHeader{})]

// layout is the placement of T in a segment for one policy.
type layout struct {
	offset   uintptr // payload offset in the user area
	payload  uintptr // sizeof(T)
	required uintptr // bytes the segment must provide
}

func layoutOf[T any](policy Policy) layout {
	var zero T
	l := layout{payload: unsafe.Sizeof(zero)}
	if policy == RefCountedSharing {
		l.offset = blockHeaderSize
	}
	l.required = l.offset + l.payload
	return l
}

var shareable sync.Map // reflect.Type -> error

// checkShareable reports why T cannot live in shared memory, or nil.
// Results are cached per type.
func checkShareable[T any]() error {
	t := reflect.TypeFor[T]()
	if v, ok := shareable.Load(t); ok {
		err, _ := v.(error)
		return err
	}
	err := walkShareable(t, t.String())
	if err != nil {
		err = &Error{Code: InvalidLayout, Op: "layout", Err: err}
	}
	shareable.Store(t, err)
	return err
}

func walkShareable(t reflect.Type, path string) error {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return nil
	case reflect.Array:
		return walkShareable(t.Elem(), path+"[]")
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if err := walkShareable(f.Type, path+"."+f.Name); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%s is a %s, which is not valid in another process's address space", path, t.Kind())
	}
}

// MustBeShareable panics if T holds pointers, slices, maps, strings,
// channels, funcs, interfaces or uintptrs. Use it in a package-level
// declaration so a bad payload type fails at program start:
//
//	var _ = shm.MustBeShareable[Counter]()
func MustBeShareable[T any]() struct{} {
	if err := checkShareable[T](); err != nil {
		panic(err)
	}
	return struct{}{}
}

func destroy[T any](p *T) {
	if d, ok := any(p).(Destroyer); ok {
		d.Destroy()
	}
}
