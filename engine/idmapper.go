package engine

// CallIDMapper maintains the bijective mapping between opaque session ids
// and Call instances so boundary components can refer to calls without
// holding the live object. Confined to the orchestration context; it needs
// no locking of its own.
type CallIDMapper struct {
	nextID CallID
	byID   map[CallID]*Call
}

// NewCallIDMapper creates an empty mapper
func NewCallIDMapper() *CallIDMapper {
	return &CallIDMapper{
		nextID: 1,
		byID:   make(map[CallID]*Call),
	}
}

// Register assigns the call an id, stable for the call's lifetime.
// Registering an already registered call returns its existing id.
func (m *CallIDMapper) Register(c *Call) CallID {
	if c.id != 0 {
		return c.id
	}
	id := m.nextID
	m.nextID++
	m.byID[id] = c
	c.id = id
	return id
}

// Release drops the mapping for a destroyed call. The id is never reused.
func (m *CallIDMapper) Release(c *Call) {
	if c.id == 0 {
		return
	}
	delete(m.byID, c.id)
}

// ByID resolves an id back to its Call
func (m *CallIDMapper) ByID(id CallID) (*Call, bool) {
	c, ok := m.byID[id]
	return c, ok
}
