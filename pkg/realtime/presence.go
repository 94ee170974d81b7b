package realtime

import (
	"hash/fnv"
	"sort"
	"time"
)

var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4",
	"#42d4f4", "#f032e6", "#469990", "#9a6324", "#800000",
}

// Selection is a cursor (Anchor == Head) or a selected range in the note text.
type Selection struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// PresenceMeta is the client supplied part of presence. Zero fields leave the stored value as is.
type PresenceMeta struct {
	Color     string     `json:"color,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
}

// Peer is the presence of one connected client as seen by the others.
type Peer struct {
	ClientID  string     `json:"clientId"`
	User      User       `json:"user"`
	Color     string     `json:"color"`
	Selection *Selection `json:"selection,omitempty"`
	CanEdit   bool       `json:"canEdit"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Presence holds the peers of one session keyed by client id. Owned by the session goroutine.
type Presence struct {
	peers map[string]*Peer
}

func NewPresence() *Presence {
	return &Presence{peers: make(map[string]*Peer)}
}

func colorFor(key string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return palette[h.Sum32()%uint32(len(palette))]
}

func (p *Presence) Add(clientID string, user User, canEdit bool, now time.Time) Peer {
	key := user.ID
	if key == "" {
		key = clientID
	}
	peer := &Peer{ClientID: clientID, User: user, Color: colorFor(key), CanEdit: canEdit, UpdatedAt: now}
	p.peers[clientID] = peer
	return *peer
}

// Merge applies meta to the peer and returns the result. ok is false for unknown clients.
func (p *Presence) Merge(clientID string, meta PresenceMeta, now time.Time) (Peer, bool) {
	peer, ok := p.peers[clientID]
	if !ok {
		return Peer{}, false
	}
	if meta.Color != "" {
		peer.Color = meta.Color
	}
	if meta.Selection != nil {
		sel := *meta.Selection
		peer.Selection = &sel
	}
	peer.UpdatedAt = now
	return *peer, true
}

func (p *Presence) SetCanEdit(clientID string, canEdit bool) {
	if peer, ok := p.peers[clientID]; ok {
		peer.CanEdit = canEdit
	}
}

func (p *Presence) Remove(clientID string) bool {
	if _, ok := p.peers[clientID]; !ok {
		return false
	}
	delete(p.peers, clientID)
	return true
}

func (p *Presence) Get(clientID string) (Peer, bool) {
	peer, ok := p.peers[clientID]
	if !ok {
		return Peer{}, false
	}
	return *peer, true
}

func (p *Presence) Len() int {
	return len(p.peers)
}

// List returns every peer except the given client, ordered by client id.
func (p *Presence) List(except string) []Peer {
	out := make([]Peer, 0, len(p.peers))
	for id, peer := range p.peers {
		if id == except {
			continue
		}
		out = append(out, *peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}
