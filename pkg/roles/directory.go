// Package roles maps DTMF tones to the personas that can serve a call and
// holds the session instructions each persona starts with.
package roles

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind distinguishes AI personas, which are bridged to the conversational
// backend, from human operators, which receive a call transfer.
type Kind string

const (
	KindAI    Kind = "ai"
	KindHuman Kind = "human"
)

// SelectorKey is the worker label that carries a role's routing label.
const SelectorKey = "Role"

// Role is one routable persona.
type Role struct {
	ID           string `mapstructure:"id"`
	Label        string `mapstructure:"label"`
	Kind         Kind   `mapstructure:"kind"`
	WorkerID     string `mapstructure:"worker_id"`
	Instructions string `mapstructure:"instructions"`
	Voice        string `mapstructure:"voice"`
	// TransferTo is the phone number a human role is transferred to.
	TransferTo string `mapstructure:"transfer_to"`
}

// Human reports whether the role bypasses the queue.
func (r Role) Human() bool { return r.Kind == KindHuman }

// Directory is an immutable role lookup table.
type Directory struct {
	defaultID string
	roles     map[string]Role
	tones     map[string]string
}

// New validates and indexes roles. tones maps a DTMF digit to a role id.
func New(defaultID string, list []Role, tones map[string]string) (*Directory, error) {
	d := &Directory{
		defaultID: strings.TrimSpace(defaultID),
		roles:     make(map[string]Role, len(list)),
		tones:     make(map[string]string, len(tones)),
	}
	for _, r := range list {
		r.ID = strings.TrimSpace(r.ID)
		if r.ID == "" {
			return nil, errors.New("role id is required")
		}
		if _, dup := d.roles[r.ID]; dup {
			return nil, fmt.Errorf("duplicate role %s", r.ID)
		}
		if r.Kind == "" {
			r.Kind = KindAI
		}
		if r.Label == "" {
			r.Label = r.ID
		}
		switch r.Kind {
		case KindAI:
			if strings.TrimSpace(r.Instructions) == "" {
				return nil, fmt.Errorf("role %s: instructions are required", r.ID)
			}
		case KindHuman:
			if strings.TrimSpace(r.TransferTo) == "" {
				return nil, fmt.Errorf("role %s: transfer_to is required", r.ID)
			}
		default:
			return nil, fmt.Errorf("role %s: unknown kind %q", r.ID, r.Kind)
		}
		d.roles[r.ID] = r
	}
	def, ok := d.roles[d.defaultID]
	if !ok {
		return nil, fmt.Errorf("default role %q is not defined", d.defaultID)
	}
	if def.Human() {
		return nil, errors.New("default role must be an AI role")
	}
	for tone, id := range tones {
		tone = strings.TrimSpace(tone)
		if _, ok := d.roles[id]; !ok {
			return nil, fmt.Errorf("tone %s maps to unknown role %s", tone, id)
		}
		d.tones[tone] = id
	}
	return d, nil
}

// Default returns the role that plays the menu.
func (d *Directory) Default() Role { return d.roles[d.defaultID] }

// Lookup returns the role with the given id.
func (d *Directory) Lookup(id string) (Role, bool) {
	r, ok := d.roles[id]
	return r, ok
}

// Resolve returns the role for id, or the default role when id is empty or
// unknown.
func (d *Directory) Resolve(id string) Role {
	if r, ok := d.roles[id]; ok {
		return r
	}
	return d.Default()
}

// ForTone returns the role mapped to a DTMF tone.
func (d *Directory) ForTone(tone string) (Role, bool) {
	id, ok := d.tones[strings.TrimSpace(tone)]
	if !ok {
		return Role{}, false
	}
	return d.roles[id], true
}

// Queued returns the roles served through the work queue, sorted by id.
func (d *Directory) Queued() []Role {
	out := make([]Role, 0, len(d.roles))
	for _, r := range d.roles {
		if !r.Human() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Workers returns the distinct worker ids of queued roles.
func (d *Directory) Workers() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range d.Queued() {
		if r.WorkerID == "" {
			continue
		}
		if _, ok := seen[r.WorkerID]; ok {
			continue
		}
		seen[r.WorkerID] = struct{}{}
		out = append(out, r.WorkerID)
	}
	sort.Strings(out)
	return out
}

// Tones returns a copy of the tone map.
func (d *Directory) Tones() map[string]string {
	out := make(map[string]string, len(d.tones))
	for k, v := range d.tones {
		out[k] = v
	}
	return out
}
