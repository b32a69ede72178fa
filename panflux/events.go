package panflux

import (
	"sort"
	"sync"
)

// listeners is a set of callbacks invoked in registration order.
type listeners[T any] struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func(T)
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}

	id := l.nextID
	l.nextID++
	l.fns[id] = fn

	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

func (l *listeners[T]) emit(v T) {
	l.mu.Lock()

	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}

	sort.Ints(ids)

	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (l *listeners[T]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.fns)
}

// events groups the lifecycle listeners of a Client.
type events struct {
	newToken          listeners[*Token]
	err               listeners[error]
	oauthError        listeners[*OAuthCallbackError]
	startTokenRefresh listeners[struct{}]
}
