package routing

import "maps"

// AttributeID names one numeric seed attribute carried by a handle.
type AttributeID uint16

const (
	AttrZone        AttributeID = 1
	AttrDomain      AttributeID = 2
	AttrAddress     AttributeID = 3
	AttrService     AttributeID = 4
	AttrChannel     AttributeID = 5
	AttrTempChannel AttributeID = 6
)

// Seed is the set of store ids a node needs to rebuild session state.
type Seed map[AttributeID]int64

func (s Seed) Get(id AttributeID) (int64, bool) {
	v, ok := s[id]
	return v, ok
}

func (s Seed) Clone() Seed {
	if s == nil {
		return Seed{}
	}
	return maps.Clone(s)
}

// SessionHandle is the placement request for one session. Never persisted.
type SessionHandle struct {
	Segment    string  `json:"segment"`
	Kind       APIKind `json:"kind"`
	SessionKey string  `json:"session_key"`
	Seed       Seed    `json:"seed"`
}

// SessionEndpoint is where a placed session can be reached.
type SessionEndpoint struct {
	SessionID             string `json:"session_id"`
	BackendURL            string `json:"backend_url"`
	BackendPublicIdentity string `json:"backend_public_identity"`
}

// Target carries the already-validated identifiers a handle is built from.
// Only the fields relevant to the requested kind are read.
type Target struct {
	ZoneID    int64  `json:"zone_id"`
	Apex      string `json:"apex"`
	DomainID  int64  `json:"domain_id,omitempty"`
	Domain    string `json:"domain,omitempty"`
	AddressID int64  `json:"address_id,omitempty"`
	Local     string `json:"local,omitempty"`
	ServiceID int64  `json:"service_id,omitempty"`
	Service   string `json:"service,omitempty"`

	ChannelID   int64  `json:"channel_id,omitempty"`
	Temporary   bool   `json:"temporary,omitempty"`
	Origin      string `json:"origin,omitempty"`
	Destination string `json:"destination,omitempty"`
}

// HandleFactory builds handles for one cluster segment.
type HandleFactory struct {
	Segment string
}

func NewHandleFactory(segment string) HandleFactory {
	return HandleFactory{Segment: segment}
}

func (f HandleFactory) Submission(t Target) SessionHandle {
	return SessionHandle{
		Segment:    f.Segment,
		Kind:       KindSubmission,
		SessionKey: SubmissionKey(t.Apex, t.Local, t.Domain),
		Seed: Seed{
			AttrZone:    t.ZoneID,
			AttrDomain:  t.DomainID,
			AttrAddress: t.AddressID,
		},
	}
}

func (f HandleFactory) Delivery(t Target) SessionHandle {
	return SessionHandle{
		Segment:    f.Segment,
		Kind:       KindDelivery,
		SessionKey: DeliveryKey(t.Apex, t.Local, t.Domain, t.Service),
		Seed: Seed{
			AttrZone:    t.ZoneID,
			AttrDomain:  t.DomainID,
			AttrAddress: t.AddressID,
			AttrService: t.ServiceID,
		},
	}
}

func (f HandleFactory) Admin(t Target) SessionHandle {
	seed := Seed{AttrZone: t.ZoneID}
	if t.Domain != "" {
		seed[AttrDomain] = t.DomainID
	}
	return SessionHandle{
		Segment:    f.Segment,
		Kind:       KindAdmin,
		SessionKey: AdminKey(t.Apex, t.Domain),
		Seed:       seed,
	}
}

func (f HandleFactory) Relay(t Target) SessionHandle {
	seed := Seed{AttrZone: t.ZoneID}
	if t.Temporary {
		seed[AttrTempChannel] = t.ChannelID
	} else {
		seed[AttrChannel] = t.ChannelID
	}
	return SessionHandle{
		Segment:    f.Segment,
		Kind:       KindRelay,
		SessionKey: RelayKey(t.Apex, t.Origin, t.Destination, t.Service),
		Seed:       seed,
	}
}

// For dispatches on kind. The second result is false for an unknown kind.
func (f HandleFactory) For(kind APIKind, t Target) (SessionHandle, bool) {
	switch kind {
	case KindSubmission:
		return f.Submission(t), true
	case KindDelivery:
		return f.Delivery(t), true
	case KindAdmin:
		return f.Admin(t), true
	case KindRelay:
		return f.Relay(t), true
	default:
		return SessionHandle{}, false
	}
}
