package aoss

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// record is the per-descriptor state of a device descriptor.
type record struct {
	class Class
	// flags are the open flags, with O_NONBLOCK kept current by F_SETFL.
	flags int
	// mapping is the address of the single live mapping created on the descriptor, or nil.
	mapping unsafe.Pointer
}

// table maps device descriptors to their records. A descriptor has a record if and only if
// it is currently owned by a device class.
//
// The lock only guards the map and record fields; it is never held across a backend or kernel call.
type table struct {
	mu      sync.RWMutex
	records map[int]*record
	max     int // 0 means unlimited
}

func newTable(max int) *table {
	return &table{
		records: make(map[int]*record),
		max:     max,
	}
}

// insert registers fd. It fails with ENOMEM when the table is full or the slot is taken.
func (t *table) insert(fd int, class Class, flags int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.records[fd]; ok {
		return unix.ENOMEM
	}

	if t.max > 0 && len(t.records) >= t.max {
		return unix.ENOMEM
	}

	t.records[fd] = &record{class: class, flags: flags}

	return nil
}

// remove drops the record of fd, making the slot immediately reusable.
func (t *table) remove(fd int) (record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[fd]
	if !ok {
		return record{}, false
	}

	delete(t.records, fd)

	return *rec, true
}

// get returns a snapshot of the record of fd.
func (t *table) get(fd int) (record, bool) {
	if fd < 0 {
		return record{}, false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[fd]
	if !ok {
		return record{}, false
	}

	return *rec, true
}

// class returns the class of fd.
func (t *table) class(fd int) (Class, bool) {
	rec, ok := t.get(fd)

	return rec.class, ok
}

// setNonblock updates the O_NONBLOCK bit of the tracked flags of fd.
func (t *table) setNonblock(fd int, nonblock bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[fd]
	if !ok {
		return
	}

	if nonblock {
		rec.flags |= unix.O_NONBLOCK
	} else {
		rec.flags &^= unix.O_NONBLOCK
	}
}

// setMapping records addr as the live mapping of fd.
func (t *table) setMapping(fd int, addr unsafe.Pointer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.records[fd]; ok {
		rec.mapping = addr
	}
}

// takeMapping searches all records for the one whose mapping is addr, clears it and returns its owner.
// The scan is linear in the number of device descriptors, which is expected to stay small.
func (t *table) takeMapping(addr unsafe.Pointer) (int, Class, bool) {
	if addr == nil {
		return -1, 0, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for fd, rec := range t.records {
		if rec.mapping == addr {
			rec.mapping = nil

			return fd, rec.class, true
		}
	}

	return -1, 0, false
}

func (t *table) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.records)
}
