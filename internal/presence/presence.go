package presence

import "sync"

// Table tracks which connection belongs to which username and, inversely,
// the set of live connections per username. A user may hold several
// simultaneous connections (multiple tabs); the user is online while at
// least one remains.
type Table struct {
	mu    sync.Mutex
	users map[string]string              // connection ID -> username
	conns map[string]map[string]struct{} // username -> set of connection IDs
}

// NewTable creates an empty presence table.
func NewTable() *Table {
	return &Table{
		users: make(map[string]string),
		conns: make(map[string]map[string]struct{}),
	}
}

// Bind records the connection as belonging to username. It returns true
// if this brought the user online (first live connection). Binding the
// same pair twice is a no-op; rebinding a connection to a different
// username moves it.
func (t *Table) Bind(connID, username string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.users[connID]; ok {
		if prev == username {
			return false
		}
		t.dropLocked(connID, prev)
	}

	t.users[connID] = username
	set := t.conns[username]
	cameOnline := len(set) == 0
	if set == nil {
		set = make(map[string]struct{})
		t.conns[username] = set
	}
	set[connID] = struct{}{}
	return cameOnline
}

// Unbind removes the connection. It returns the username the connection
// was bound to and whether this was the user's last connection. Unbinding
// an unknown or already-removed connection returns ok=false.
func (t *Table) Unbind(connID string) (username string, last bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	username, ok = t.users[connID]
	if !ok {
		return "", false, false
	}
	t.dropLocked(connID, username)
	_, stillOnline := t.conns[username]
	return username, !stillOnline, true
}

func (t *Table) dropLocked(connID, username string) {
	delete(t.users, connID)
	if set, ok := t.conns[username]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(t.conns, username)
		}
	}
}

// UsernameFor returns the username bound to a connection, or "" if the
// connection is not bound.
func (t *Table) UsernameFor(connID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.users[connID]
}

// ConnectionsFor returns a snapshot of the connection IDs bound to username.
func (t *Table) ConnectionsFor(username string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.conns[username]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// OnlineUsernames returns a snapshot of all usernames with at least one
// live connection.
func (t *Table) OnlineUsernames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.conns))
	for name := range t.conns {
		names = append(names, name)
	}
	return names
}

// Online reports whether username has at least one live connection.
func (t *Table) Online(username string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns[username]) > 0
}

// Count returns the number of bound connections.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.users)
}
