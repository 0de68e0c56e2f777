package session

// BeginTurn marks requestID as the active turn of sessionID. Re-beginning
// the same request id is allowed so a client resend is idempotent.
func (m *Multiplexer) BeginTurn(sessionID, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if active, ok := m.turns[sessionID]; ok && active != requestID {
		return ErrTurnInProgress
	}
	m.turns[sessionID] = requestID
	return nil
}

// EndTurn releases the turn if requestID is still the active one.
func (m *Multiplexer) EndTurn(sessionID, requestID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.turns[sessionID] != requestID {
		return false
	}
	delete(m.turns, sessionID)
	return true
}

// ActiveTurn returns the request id of the running turn.
func (m *Multiplexer) ActiveTurn(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.turns[sessionID]
	return id, ok
}

// Pin routes later turns of sessionID to workerID.
func (m *Multiplexer) Pin(sessionID, workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pins[sessionID] = workerID
}

// PinTurn pins sessionID to workerID only while requestID is still the
// active turn, so a turn that already failed cannot re-pin a dead worker.
func (m *Multiplexer) PinTurn(sessionID, requestID, workerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.turns[sessionID] != requestID {
		return false
	}
	m.pins[sessionID] = workerID
	return true
}

func (m *Multiplexer) Pinned(sessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pins[sessionID]
}

// ResetPin clears the pinned worker and reports whether one was set.
func (m *Multiplexer) ResetPin(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pins[sessionID]
	delete(m.pins, sessionID)
	return ok
}
