package events

// Log couples the bounded history with the live distributor.
type Log struct {
	history *History
	dist    *Distributor
}

// NewLog wires a history and a distributor together.
func NewLog(history *History, dist *Distributor) *Log {
	return &Log{history: history, dist: dist}
}

// Append records ev and offers it to live subscribers of its address.
func (l *Log) Append(ev RiskEvent) {
	l.history.Append(ev)
	if l.dist != nil {
		l.dist.Publish(ev)
	}
}

// Query reads the history only.
func (l *Log) Query(agentID string, limit int) []RiskEvent {
	return l.history.Query(agentID, limit)
}

// Len returns the retained history length.
func (l *Log) Len() int {
	return l.history.Len()
}

// Distributor exposes the live side for transports.
func (l *Log) Distributor() *Distributor {
	return l.dist
}
