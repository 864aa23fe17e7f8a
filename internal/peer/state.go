package peer

import (
	"math/rand/v2"
	"sync"
	"time"
)

// ConnectionState is the process-wide state of one peer connection,
// exclusively owned and mutated by Controller; every other component reads
// it only through the supplier functions Controller hands out (spec.md §3
// "Ownership").
type ConnectionState struct {
	mu sync.RWMutex

	running         bool
	connectionAlive bool
	roleNegotiated  bool
	isSender        bool
	syncing         bool
	fbtActive       bool

	localPriority  int64
	lastHbSentMs   int64
	lastHbReceived int64
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func (s *ConnectionState) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *ConnectionState) setRunning(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = v
}

func (s *ConnectionState) ConnectionAlive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectionAlive
}

func (s *ConnectionState) setConnectionAlive(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectionAlive = v
}

func (s *ConnectionState) RoleNegotiated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roleNegotiated
}

func (s *ConnectionState) setRoleNegotiated(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roleNegotiated = v
}

func (s *ConnectionState) IsSender() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isSender
}

func (s *ConnectionState) setIsSender(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isSender = v
}

func (s *ConnectionState) Syncing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncing
}

func (s *ConnectionState) setSyncing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncing = v
}

func (s *ConnectionState) FBTActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fbtActive
}

func (s *ConnectionState) setFBTActive(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fbtActive = v
}

func (s *ConnectionState) LocalPriority() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localPriority
}

// regeneratePriority draws a fresh local_priority = now_ms*1000 +
// uniform[0,1000), as required on every (re)connect (spec.md §3).
func (s *ConnectionState) regeneratePriority() int64 {
	p := nowMillis()*1000 + rand.Int64N(1000)
	s.mu.Lock()
	s.localPriority = p
	s.mu.Unlock()
	return p
}

func (s *ConnectionState) LastHeartbeatSent() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHbSentMs
}

func (s *ConnectionState) setLastHeartbeatSent(ms int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHbSentMs = ms
}

func (s *ConnectionState) LastHeartbeatReceived() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHbReceived
}

func (s *ConnectionState) setLastHeartbeatReceived(ms int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHbReceived = ms
}
