package store

import (
	"encoding/json"
	"fmt"
	"strings"
)

// LinkKind is the closed set of relationship kinds a link can carry.
type LinkKind int

const (
	// KindNone is the zero value; a proposal carrying it creates no link.
	KindNone LinkKind = iota
	KindConflicts
	KindSupersedes
	KindCauses
	KindInstanceOf
	KindInvalidatedBy
	KindMotivatedBy
	KindWasContextFor
	KindSharesEntity
)

const sharesEntityPrefix = "shares_entity:"

var kindTags = map[LinkKind]string{
	KindConflicts:     "conflicts",
	KindSupersedes:    "supersedes",
	KindCauses:        "causes",
	KindInstanceOf:    "instance_of",
	KindInvalidatedBy: "invalidated_by",
	KindMotivatedBy:   "motivated_by",
	KindWasContextFor: "was_context_for",
}

func (k LinkKind) String() string {
	if k == KindSharesEntity {
		return "shares_entity"
	}
	if s, ok := kindTags[k]; ok {
		return s
	}
	return "none"
}

// Structural kinds are created automatically and carry no confidence.
func (k LinkKind) Structural() bool {
	return k == KindWasContextFor || k == KindSharesEntity
}

// LinkType is a link kind plus its payload. Only shares_entity carries an
// entity name.
type LinkType struct {
	Kind   LinkKind
	Entity string
}

// Type constructors for the fixed kinds.
var (
	Conflicts     = LinkType{Kind: KindConflicts}
	Supersedes    = LinkType{Kind: KindSupersedes}
	Causes        = LinkType{Kind: KindCauses}
	InstanceOf    = LinkType{Kind: KindInstanceOf}
	InvalidatedBy = LinkType{Kind: KindInvalidatedBy}
	MotivatedBy   = LinkType{Kind: KindMotivatedBy}
	WasContextFor = LinkType{Kind: KindWasContextFor}
)

// SharesEntity returns the structural type for a shared entity name.
func SharesEntity(name string) LinkType {
	return LinkType{Kind: KindSharesEntity, Entity: strings.TrimSpace(name)}
}

// IsZero reports whether t is the "no link" type.
func (t LinkType) IsZero() bool { return t.Kind == KindNone }

// String returns the tag form, e.g. "causes" or "shares_entity:postgres".
func (t LinkType) String() string {
	if t.Kind == KindSharesEntity {
		return sharesEntityPrefix + t.Entity
	}
	if t.Kind == KindNone {
		return ""
	}
	return kindTags[t.Kind]
}

// ParseLinkType parses a tag. The empty string and "null" parse to the zero
// type without error: absence of a link, not a kind of link.
func ParseLinkType(tag string) (LinkType, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" || tag == "null" {
		return LinkType{}, nil
	}
	if strings.HasPrefix(tag, sharesEntityPrefix) {
		name := strings.TrimSpace(strings.TrimPrefix(tag, sharesEntityPrefix))
		if name == "" {
			return LinkType{}, fmt.Errorf("shares_entity link without entity name")
		}
		return SharesEntity(name), nil
	}
	for k, s := range kindTags {
		if s == tag {
			return LinkType{Kind: k}, nil
		}
	}
	return LinkType{}, fmt.Errorf("unknown link type %q", tag)
}

func (t LinkType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *LinkType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLinkType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Link is one entry in a memory's outbound or inbound array. On an outbound
// entry TargetID is the destination; on an inbound entry it is the memory
// that points here.
type Link struct {
	TargetID   string   `json:"target_id"`
	Type       LinkType `json:"type"`
	Confidence float64  `json:"confidence,omitempty"`
	Reasoning  string   `json:"reasoning,omitempty"`
}

// sameEdge reports whether two entries describe the same peer and type.
func (l Link) sameEdge(o Link) bool {
	return l.TargetID == o.TargetID && l.Type == o.Type
}

// appendLink adds l unless an entry with the same peer and type exists.
func appendLink(links []Link, l Link) ([]Link, bool) {
	for _, existing := range links {
		if existing.sameEdge(l) {
			return links, false
		}
	}
	return append(links, l), true
}

// removeLinksTo drops entries whose peer is in ids. Returns the filtered
// slice and the number of entries removed.
func removeLinksTo(links []Link, ids map[string]bool) ([]Link, int) {
	kept := links[:0:0]
	removed := 0
	for _, l := range links {
		if ids[l.TargetID] {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	return kept, removed
}

// removeEdge drops the entry matching peer and type.
func removeEdge(links []Link, peer string, t LinkType) ([]Link, bool) {
	for i, l := range links {
		if l.TargetID == peer && l.Type == t {
			return append(links[:i:i], links[i+1:]...), true
		}
	}
	return links, false
}

func encodeLinks(links []Link) (string, error) {
	if len(links) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(links)
	if err != nil {
		return "", fmt.Errorf("encode links: %w", err)
	}
	return string(b), nil
}

func decodeLinks(raw string) ([]Link, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var links []Link
	if err := json.Unmarshal([]byte(raw), &links); err != nil {
		return nil, fmt.Errorf("decode links: %w", err)
	}
	return links, nil
}
