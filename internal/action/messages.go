package action

import "github.com/steveyegge/consolesync/internal/dispatcher"

// SuffixExternalChange is the kind suffix of change-bus notifications.
const SuffixExternalChange = "externalChange"

// ExternalChangeMessage tells an entity's action module that the backend
// data changed elsewhere and should be re-synced. It travels on the change
// bus, never on the bus stores listen to.
type ExternalChangeMessage struct {
	dispatcher.Sealed

	Entity string
}

// Kind implements dispatcher.Message.
func (m ExternalChangeMessage) Kind() string { return m.Entity + "." + SuffixExternalChange }
