package plugin

import (
	"context"

	"github.com/msghub-io/msghub/action"
	"github.com/msghub-io/msghub/ai"
	"github.com/msghub-io/msghub/core"
	"github.com/msghub-io/msghub/factory"
	"github.com/msghub-io/msghub/host"
	"github.com/msghub-io/msghub/i18n"
	"github.com/msghub-io/msghub/msg"
	"github.com/msghub-io/msghub/store"
	"github.com/msghub-io/msghub/telemetry"
)

type (
	// StoreAPI is the store surface exposed to plugins: mutations and
	// reads, no subscription management. *store.Store satisfies it.
	StoreAPI interface {
		AddMessage(m *msg.Message) error
		AddOrUpdateMessage(m *msg.Message) error
		UpdateMessage(ref string, patch *store.Patch) (bool, error)
		RemoveMessage(ref string) bool
		MessageByRef(ref string) (*msg.Message, bool)
		Messages() []*msg.Message
		Query(q store.Query) store.QueryResult
	}

	// FactoryAPI builds validated messages from raw descriptors.
	FactoryAPI interface {
		NewMessage(ctx context.Context, d factory.Descriptor) (*msg.Message, error)
	}

	// ActionAPI executes whitelisted workflow actions. Only ingest
	// plugins receive it; notify sinks must not mutate workflow state.
	ActionAPI interface {
		Execute(ctx context.Context, req action.Request) action.Result
	}

	// Constants is the read-only constant vocabulary handed to plugins.
	Constants struct {
		Levels map[string]core.Level `json:"levels"`
		Kinds  []core.Kind           `json:"kinds"`
		States []core.LifecycleState `json:"states"`
	}

	// API is the capability record assembled per plugin. All fields are
	// set at construction and never change afterwards; Action is nil for
	// notify plugins.
	API struct {
		Constants Constants
		Factory   FactoryAPI
		Store     StoreAPI
		Stats     *telemetry.Stats
		AI        *ai.Client
		I18n      *i18n.Translator
		Host      host.IO
		Log       telemetry.Logger
		Action    ActionAPI
	}

	// Meta is the merged call metadata: host-provided base entries plus
	// the per-call fields.
	Meta struct {
		PluginID string `json:"pluginId"`
		// Reason names why the callback fires ("register", "state",
		// "object", "notify").
		Reason string `json:"reason,omitempty"`
		// Running reports whether the host event pump is live.
		Running bool           `json:"running"`
		Extra   map[string]any `json:"extra,omitempty"`
	}

	// Context is the capability context passed to every plugin callback.
	Context struct {
		API  API
		Meta Meta
	}
)

// NewConstants snapshots the core vocabulary.
func NewConstants() Constants {
	return Constants{
		Levels: core.Levels(),
		Kinds:  core.Kinds(),
		States: core.States(),
	}
}
