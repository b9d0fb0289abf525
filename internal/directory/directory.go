// Package directory maps task-local objects to group-wide global addresses.
//
// Each task process owns one Directory. A record pairs a global address with
// a local object and lives in two indexes, one keyed by object identity and
// one keyed by address. Records are always added to and removed from both
// indexes together.
//
// Addresses owned by the task itself name exported local objects. Addresses
// owned by other tasks name remote references; their local object is a
// placeholder created by the Factory until the value is fetched.
package directory

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrUnknownAddress is returned when resolving an address owned by this task
// that has no record, usually because the object was collected.
var ErrUnknownAddress = errors.New("unknown global address")

// GAddr is a group-wide object address.
type GAddr struct {
	PID     int    `json:"pid"`
	LocalID uint64 `json:"lid"`
}

func (a GAddr) String() string {
	return strconv.FormatUint(a.LocalID, 10) + "@" + strconv.Itoa(a.PID)
}

// Factory creates local objects for addresses the directory has not seen.
type Factory[T comparable, V any] interface {
	// Wrap creates a local object holding value.
	Wrap(value V) T
	// Remote creates a placeholder standing for the object at addr.
	Remote(addr GAddr) T
}

// Record is one entry of the directory.
type Record[T comparable] struct {
	Addr   GAddr
	Object T
}

// Directory is the per-task global object directory. It is not safe for
// concurrent use; the owning task loop is its only user.
type Directory[T comparable, V any] struct {
	pid      int
	next     uint64
	factory  Factory[T, V]
	byObject map[T]*Record[T]
	byAddr   map[GAddr]*Record[T]
	inflight map[int][]GAddr
}

// New creates the directory of task pid.
func New[T comparable, V any](pid int, factory Factory[T, V]) *Directory[T, V] {
	return &Directory[T, V]{
		pid:      pid,
		next:     1,
		factory:  factory,
		byObject: make(map[T]*Record[T]),
		byAddr:   make(map[GAddr]*Record[T]),
		inflight: make(map[int][]GAddr),
	}
}

// PID returns the process id of the owning task.
func (d *Directory[T, V]) PID() int {
	return d.pid
}

// Len returns the number of records.
func (d *Directory[T, V]) Len() int {
	return len(d.byAddr)
}

// AddressOf returns the address of obj, allocating {pid, next} the first
// time obj is seen.
func (d *Directory[T, V]) AddressOf(obj T) GAddr {
	if rec, ok := d.byObject[obj]; ok {
		return rec.Addr
	}
	addr := GAddr{PID: d.pid, LocalID: d.next}
	d.next++
	d.add(addr, obj)
	return addr
}

// AddressFor returns the address of obj if it has one.
func (d *Directory[T, V]) AddressFor(obj T) (GAddr, bool) {
	rec, ok := d.byObject[obj]
	if !ok {
		return GAddr{}, false
	}
	return rec.Addr, true
}

// Lookup returns the object recorded at addr.
func (d *Directory[T, V]) Lookup(addr GAddr) (T, bool) {
	rec, ok := d.byAddr[addr]
	if !ok {
		var zero T
		return zero, false
	}
	return rec.Object, true
}

// Resolve returns the object recorded at addr. An unknown remote address is
// recorded with a placeholder from the factory, so later calls return the
// same placeholder. An unknown local address is an error.
func (d *Directory[T, V]) Resolve(addr GAddr) (T, error) {
	if rec, ok := d.byAddr[addr]; ok {
		return rec.Object, nil
	}
	if addr.PID == d.pid {
		var zero T
		return zero, fmt.Errorf("%w: %s", ErrUnknownAddress, addr)
	}
	obj := d.factory.Remote(addr)
	d.add(addr, obj)
	return obj, nil
}

// ResolveWith returns the object recorded at addr, or records a new local
// object wrapping fallback.
func (d *Directory[T, V]) ResolveWith(addr GAddr, fallback V) T {
	if rec, ok := d.byAddr[addr]; ok {
		return rec.Object
	}
	obj := d.factory.Wrap(fallback)
	d.add(addr, obj)
	return obj
}

func (d *Directory[T, V]) add(addr GAddr, obj T) {
	rec := &Record[T]{Addr: addr, Object: obj}
	d.byAddr[addr] = rec
	d.byObject[obj] = rec
	if addr.PID == d.pid && addr.LocalID >= d.next {
		d.next = addr.LocalID + 1
	}
}

// Remove deletes the record of obj from both indexes.
func (d *Directory[T, V]) Remove(obj T) bool {
	rec, ok := d.byObject[obj]
	if !ok {
		return false
	}
	delete(d.byObject, obj)
	delete(d.byAddr, rec.Addr)
	return true
}

// RemoveAddr deletes the record at addr from both indexes.
func (d *Directory[T, V]) RemoveAddr(addr GAddr) bool {
	rec, ok := d.byAddr[addr]
	if !ok {
		return false
	}
	delete(d.byAddr, addr)
	delete(d.byObject, rec.Object)
	return true
}

// Range calls fn for every record until fn returns false. fn may remove the
// record it is given.
func (d *Directory[T, V]) Range(fn func(Record[T]) bool) {
	for _, rec := range d.byAddr {
		if !fn(*rec) {
			return
		}
	}
}

// MarkSent records addrs as written into a message to task dest and not yet
// acknowledged.
func (d *Directory[T, V]) MarkSent(dest int, addrs ...GAddr) {
	if len(addrs) == 0 {
		return
	}
	d.inflight[dest] = append(d.inflight[dest], addrs...)
}

// Ack drops the count oldest in-flight addresses sent to dest.
func (d *Directory[T, V]) Ack(dest, count int) error {
	pending := d.inflight[dest]
	if count > len(pending) {
		return fmt.Errorf("ack for %d addresses but only %d in flight to %d", count, len(pending), dest)
	}
	rest := pending[count:]
	if len(rest) == 0 {
		delete(d.inflight, dest)
	} else {
		d.inflight[dest] = append([]GAddr(nil), rest...)
	}
	return nil
}

// InFlight returns every address that has been sent but not acknowledged.
func (d *Directory[T, V]) InFlight() []GAddr {
	var out []GAddr
	for _, addrs := range d.inflight {
		out = append(out, addrs...)
	}
	return out
}
