package session

import "github.com/boddenberg/salescoach-bfa-go/internal/port"

// handle is one open subscription owned by a scope.
type handle struct {
	key   string
	label string
	stop  port.Unsubscribe
}

// scope owns subscriptions and child scopes. Closing a scope closes its
// children first, then its own handles in reverse opening order. Once
// closed, a scope and all of its descendants report !alive, which is what
// delivery callbacks check before touching session state.
//
// A scope is not safe for concurrent use; the session mutex guards it.
type scope struct {
	parent   *scope
	children []*scope
	handles  []handle
	closed   bool
	// onClose is told the label of every handle closed.
	onClose func(label string)
}

func newScope(onClose func(label string)) *scope {
	return &scope{onClose: onClose}
}

// child opens a nested scope closed together with s.
func (s *scope) child() *scope {
	c := &scope{parent: s, onClose: s.onClose}
	if s.closed {
		c.closed = true
		return c
	}
	s.children = append(s.children, c)
	return c
}

// add takes ownership of stop. Adding to a closed scope closes it at once.
func (s *scope) add(key, label string, stop port.Unsubscribe) {
	h := handle{key: key, label: label, stop: stop}
	if !s.alive() {
		s.stop(h)
		return
	}
	s.handles = append(s.handles, h)
}

// has reports whether a handle with key is open in s.
func (s *scope) has(key string) bool {
	for _, h := range s.handles {
		if h.key == key {
			return true
		}
	}
	return false
}

// keys lists the keys of the handles open in s.
func (s *scope) keys() []string {
	out := make([]string, len(s.handles))
	for i, h := range s.handles {
		out[i] = h.key
	}
	return out
}

// release closes the handle with key, if any.
func (s *scope) release(key string) bool {
	for i, h := range s.handles {
		if h.key == key {
			s.handles = append(s.handles[:i], s.handles[i+1:]...)
			s.stop(h)
			return true
		}
	}
	return false
}

// alive reports whether neither s nor any ancestor was closed.
func (s *scope) alive() bool {
	for c := s; c != nil; c = c.parent {
		if c.closed {
			return false
		}
	}
	return true
}

// close tears the scope down and returns how many handles it closed.
func (s *scope) close() int {
	if s.closed {
		return 0
	}
	s.closed = true

	n := 0
	for i := len(s.children) - 1; i >= 0; i-- {
		n += s.children[i].close()
	}
	s.children = nil
	for i := len(s.handles) - 1; i >= 0; i-- {
		s.stop(s.handles[i])
		n++
	}
	s.handles = nil
	if s.parent != nil {
		s.parent.drop(s)
	}
	return n
}

func (s *scope) drop(c *scope) {
	for i, ch := range s.children {
		if ch == c {
			s.children = append(s.children[:i], s.children[i+1:]...)
			return
		}
	}
}

func (s *scope) stop(h handle) {
	h.stop()
	if s.onClose != nil {
		s.onClose(h.label)
	}
}
