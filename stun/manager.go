package stun

import (
	"net"
	"sync"
)

// Manager routes incoming STUN packets to the Requester awaiting that
// packet's transaction id. It is a process-wide singleton (spec §4.4,
// grounded on services_STUNRequesterManager.cpp), but NewManager is exposed
// for tests that want an isolated instance.
type Manager struct {
	mu         sync.RWMutex
	requesters map[[12]byte]*Requester
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{requesters: make(map[[12]byte]*Requester)}
}

// DefaultManager is the process-wide Manager instance used by callers that
// don't need isolation (e.g. production code, as opposed to tests running
// several independent sessions in one process).
var DefaultManager = NewManager()

func (m *Manager) monitorStart(r *Requester, transactionID [12]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requesters[transactionID] = r
}

func (m *Manager) monitorStop(transactionID [12]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.requesters, transactionID)
}

// HandlePacket parses data as a STUN message under variant and, if it
// matches an outstanding requester's transaction id, offers it to that
// requester. Returns the parsed message (nil if data isn't a STUN packet)
// and whether some requester accepted it as its response.
func (m *Manager) HandlePacket(from *net.UDPAddr, data []byte, variant RFCVariant) (*Message, bool) {
	msg, err := Parse(data, variant)
	if err != nil || msg == nil {
		return msg, false
	}
	if msg.Class != ClassSuccessResponse && msg.Class != ClassErrorResponse {
		return msg, false
	}

	m.mu.RLock()
	r, ok := m.requesters[msg.TransactionID]
	m.mu.RUnlock()
	if !ok {
		return msg, false
	}

	return msg, r.HandleSTUNPacket(from, msg)
}
