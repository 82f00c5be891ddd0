package main

// Sender pushes one text frame to the far end of a transport. Send must not
// block the hub; implementations queue internally.
type Sender interface {
	Send(frame []byte) error
	Close()
}

type session struct {
	id     uint64
	owner  uint64 // 0 until the transport identifies
	peer   uint64 // peer of interest, 0 when unset
	sender Sender
}

// Registry tracks live transports and the inverse index from owner to
// transports. It is owned by the hub goroutine and is not locked.
type Registry struct {
	nextID   uint64
	sessions map[uint64]*session
	owners   map[uint64]map[uint64]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uint64]*session),
		owners:   make(map[uint64]map[uint64]struct{}),
	}
}

func (r *Registry) Register(s Sender) uint64 {
	r.nextID++
	r.sessions[r.nextID] = &session{id: r.nextID, sender: s}
	return r.nextID
}

func (r *Registry) Session(id uint64) (*session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	return len(r.sessions)
}

// BindOwner moves the transport into owner's set, leaving any previous one.
func (r *Registry) BindOwner(id, owner uint64) {
	s, ok := r.sessions[id]
	if !ok || owner == 0 {
		return
	}
	if s.owner == owner {
		return
	}
	r.dropFromOwner(s)
	s.owner = owner
	set, ok := r.owners[owner]
	if !ok {
		set = make(map[uint64]struct{})
		r.owners[owner] = set
	}
	set[id] = struct{}{}
}

func (r *Registry) SetPeer(id, peer uint64) {
	if s, ok := r.sessions[id]; ok {
		s.peer = peer
	}
}

func (r *Registry) Unregister(id uint64) {
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	r.dropFromOwner(s)
	delete(r.sessions, id)
}

func (r *Registry) dropFromOwner(s *session) {
	if s.owner == 0 {
		return
	}
	set := r.owners[s.owner]
	delete(set, s.id)
	if len(set) == 0 {
		delete(r.owners, s.owner)
	}
}

// Transports returns the transport ids currently bound to owner.
func (r *Registry) Transports(owner uint64) []uint64 {
	set := r.owners[owner]
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// Fanout sends frame to every transport of the given owners. A transport
// bound to more than one of them still gets the frame once. It returns the
// number of transports written to.
func (r *Registry) Fanout(frame []byte, owners ...uint64) int {
	seen := make(map[uint64]struct{})
	n := 0
	for _, owner := range owners {
		for _, id := range r.Transports(owner) {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if r.send(id, frame) {
				n++
			}
		}
	}
	return n
}

// FanoutPeerOfInterest sends frame to every transport currently viewing uid.
func (r *Registry) FanoutPeerOfInterest(uid uint64, frame []byte) int {
	n := 0
	for id, s := range r.sessions {
		if s.peer == uid && r.send(id, frame) {
			n++
		}
	}
	return n
}

// SendTo writes frame to a single transport.
func (r *Registry) SendTo(id uint64, frame []byte) bool {
	return r.send(id, frame)
}

func (r *Registry) send(id uint64, frame []byte) bool {
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	if err := s.sender.Send(frame); err != nil {
		logger.WithField("transport", id).Warnf("send failed: %v", err)
		return false
	}
	return true
}
