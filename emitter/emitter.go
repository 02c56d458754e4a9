package emitter

import (
	"reflect"
	"sync"
)

type Listener func(...any)

type listeners struct {
	listenerType
	id uint64
	Listener
	next *listeners
}

type listenerType byte

const (
	listenerTypeOn listenerType = iota
	listenerTypeOnce
)

// EventEmitter is a listener registry. Components embed one by composition and
// expose On/Once/Off on top of it.
type EventEmitter struct {
	mutex        *sync.Mutex
	listenersMap map[string]*listeners
	nextID       uint64
}

func New() *EventEmitter {
	return &EventEmitter{
		mutex:        &sync.Mutex{},
		listenersMap: make(map[string]*listeners),
	}
}

// Emit calls the listeners registered for event in registration order. Listeners
// added or removed while emitting take effect on the next Emit.
func (emitter *EventEmitter) Emit(event string, arg ...any) bool {
	emitter.mutex.Lock()
	var snapshot []*listeners
	for ptr := emitter.listenersMap[event]; ptr != nil; ptr = ptr.next {
		snapshot = append(snapshot, ptr)
	}
	for _, l := range snapshot {
		if l.listenerType == listenerTypeOnce {
			emitter.remove(event, l.id)
		}
	}
	emitter.mutex.Unlock()

	for _, l := range snapshot {
		l.Listener(arg...)
	}
	return len(snapshot) > 0
}

// On registers f and returns a function that removes exactly this registration.
func (emitter *EventEmitter) On(event string, f Listener) func() {
	return emitter.add(event, f, listenerTypeOn)
}

// Once registers f to be called at most one time.
func (emitter *EventEmitter) Once(event string, f Listener) func() {
	return emitter.add(event, f, listenerTypeOnce)
}

func (emitter *EventEmitter) add(event string, f Listener, lt listenerType) func() {
	emitter.mutex.Lock()
	defer emitter.mutex.Unlock()

	emitter.nextID++
	id := emitter.nextID
	newListener := &listeners{listenerType: lt, id: id, Listener: f}

	ptr, isFound := emitter.listenersMap[event]
	if !isFound || ptr == nil {
		emitter.listenersMap[event] = newListener
	} else {
		for ptr.next != nil {
			ptr = ptr.next
		}
		ptr.next = newListener
	}

	return func() {
		emitter.mutex.Lock()
		defer emitter.mutex.Unlock()
		emitter.remove(event, id)
	}
}

func (emitter *EventEmitter) remove(event string, id uint64) {
	var prev *listeners
	for ptr := emitter.listenersMap[event]; ptr != nil; ptr = ptr.next {
		if ptr.id == id {
			if prev == nil {
				if ptr.next == nil {
					delete(emitter.listenersMap, event)
				} else {
					emitter.listenersMap[event] = ptr.next
				}
			} else {
				prev.next = ptr.next
			}
			return
		}
		prev = ptr
	}
}

func (emitter *EventEmitter) HasListeners(event string) bool {
	emitter.mutex.Lock()
	defer emitter.mutex.Unlock()

	return emitter.listenersMap[event] != nil
}

func (emitter *EventEmitter) RemoveAllListeners(events ...string) {
	emitter.mutex.Lock()
	defer emitter.mutex.Unlock()

	if len(events) == 0 {
		emitter.listenersMap = make(map[string]*listeners)
		return
	}
	for _, event := range events {
		delete(emitter.listenersMap, event)
	}
}

// RemoveListener removes the first registration of f for event. Closures created
// from the same function literal share a code pointer, so prefer the function
// returned by On when removing closures.
func (emitter *EventEmitter) RemoveListener(event string, f Listener) {
	emitter.mutex.Lock()
	defer emitter.mutex.Unlock()

	target := reflect.ValueOf(f).Pointer()
	for ptr := emitter.listenersMap[event]; ptr != nil; ptr = ptr.next {
		if reflect.ValueOf(ptr.Listener).Pointer() == target {
			emitter.remove(event, ptr.id)
			return
		}
	}
}
