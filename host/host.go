// Package host declares the narrow interfaces the hub consumes from its
// embedding automation host. The host SDK itself is out of scope; the hub
// only depends on these capabilities and embedders adapt their SDK to them.
package host

import "context"

type (
	// State is one host state value with its change timestamp.
	State struct {
		Val any   `json:"val"`
		TS  int64 `json:"ts"`
		Ack bool  `json:"ack,omitempty"`
	}

	// Object is a host object (device/channel metadata). Common carries
	// the display name, which may be a plain string or a multilang map.
	Object struct {
		ID     string         `json:"id"`
		Type   string         `json:"type,omitempty"`
		Common map[string]any `json:"common,omitempty"`
		Native map[string]any `json:"native,omitempty"`
	}

	// Objects reads host objects.
	Objects interface {
		GetForeignObject(ctx context.Context, id string) (*Object, error)
		GetForeignObjects(ctx context.Context, pattern string) (map[string]*Object, error)
	}

	// States reads host states.
	States interface {
		GetForeignState(ctx context.Context, id string) (*State, error)
	}

	// StateHandler receives state-change callbacks. A nil state signals
	// deletion.
	StateHandler func(id string, state *State)

	// Subscriptions manages state-change subscriptions.
	Subscriptions interface {
		SubscribeForeignStates(ctx context.Context, pattern string, h StateHandler) error
		UnsubscribeForeignStates(ctx context.Context, pattern string) error
	}

	// Files writes to host-managed file storage.
	Files interface {
		Mkdir(ctx context.Context, metaID, path string) error
		WriteFile(ctx context.Context, metaID, path string, data []byte) error
	}

	// Sender delivers outbound RPC messages to other host adapters.
	Sender interface {
		SendTo(ctx context.Context, instance, command string, payload any) error
	}

	// IO bundles the full host capability surface handed to the hub at
	// construction. Individual fields may be nil when the host does not
	// provide the capability; consumers must tolerate that.
	IO struct {
		Objects       Objects
		States        States
		Subscriptions Subscriptions
		Files         Files
		Sender        Sender
	}
)
