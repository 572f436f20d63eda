package trigger

import (
	"github.com/google/uuid"
)

// Binding maps an event key, optionally a specific value, to a sound instance.
// A nil TargetValue fires on the key becoming truthy.
type Binding struct {
	ID          uuid.UUID  `json:"id"`
	JSONKey     string     `json:"jsonKey"`
	SoundName   string     `json:"soundName"`
	InstanceID  *uuid.UUID `json:"instanceId,omitempty"`
	TargetValue *string    `json:"targetValue,omitempty"`
}

// NewBinding returns a binding with a fresh id.
func NewBinding(key, soundName string, instanceID *uuid.UUID, target *string) Binding {
	return Binding{
		ID:          uuid.New(),
		JSONKey:     key,
		SoundName:   soundName,
		InstanceID:  instanceID,
		TargetValue: target,
	}
}

// Key identifies equivalent bindings.
type Key struct {
	JSONKey     string
	TargetValue string
	HasTarget   bool
	InstanceID  uuid.UUID
	HasInstance bool
}

// Key returns the (jsonKey, targetValue, instanceId) identity of b.
func (b Binding) Key() Key {
	k := Key{JSONKey: b.JSONKey}
	if b.TargetValue != nil {
		k.TargetValue, k.HasTarget = *b.TargetValue, true
	}
	if b.InstanceID != nil {
		k.InstanceID, k.HasInstance = *b.InstanceID, true
	}
	return k
}

// Equivalent reports whether b and o would trigger the same instance for the same condition.
func (b Binding) Equivalent(o Binding) bool { return b.Key() == o.Key() }
