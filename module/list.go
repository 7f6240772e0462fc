package module

import (
	"errors"
	"iter"
)

var ErrAlreadyLinked = errors.New("module object is already linked into a list")

// Link is the intrusive node every Object carries.
type Link struct {
	next, prev *Link
	object     *Object
}

// List is a circular list of Objects anchored by its own sentinel link: when
// empty, front and back both point at the sentinel. Objects are inserted at
// the front, so the back is the oldest entry.
//
// The zero value is an empty list. A List must not be copied after first use.
type List struct {
	root Link
}

func (list *List) lazyInit() {
	if list.root.next == nil {
		list.root.next = &list.root
		list.root.prev = &list.root
	}
}

// Empty reports whether the back of the list is the sentinel itself.
func (list *List) Empty() bool {
	list.lazyInit()
	return list.root.prev == &list.root
}

func (list *List) Len() int {
	n := 0
	for range list.Discovery() {
		n++
	}
	return n
}

// Front returns the most recently inserted object, or nil.
func (list *List) Front() *Object {
	list.lazyInit()
	return list.root.next.object
}

// Back returns the oldest object, or nil.
func (list *List) Back() *Object {
	list.lazyInit()
	return list.root.prev.object
}

// PushFront links object at the front of the list.
func (list *List) PushFront(object *Object) error {
	list.lazyInit()
	link := &object.link
	if link.next != nil && link.next != link {
		return ErrAlreadyLinked
	}
	link.object = object
	link.next = list.root.next
	link.prev = &list.root
	list.root.next.prev = link
	list.root.next = link
	return nil
}

// Discovery yields objects from the back toward the front: oldest first.
func (list *List) Discovery() iter.Seq[*Object] {
	return func(yield func(*Object) bool) {
		list.lazyInit()
		for link := list.root.prev; link != &list.root; link = link.prev {
			if !yield(link.object) {
				return
			}
		}
	}
}

// Reverse yields objects from the front toward the back: newest first.
func (list *List) Reverse() iter.Seq[*Object] {
	return func(yield func(*Object) bool) {
		list.lazyInit()
		for link := list.root.next; link != &list.root; link = link.next {
			if !yield(link.object) {
				return
			}
		}
	}
}
