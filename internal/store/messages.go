package store

import "github.com/steveyegge/consolesync/internal/dispatcher"

// Message kind suffixes. The full kind is "<entity>.<suffix>".
const (
	SuffixSync        = "sync"
	SuffixTraverse    = "traverse"
	SuffixFilter      = "filter"
	SuffixSecret      = "changeSecret"
	SuffixClearSecret = "clearSecret"
)

// KindOf builds the message kind for an entity.
func KindOf(entity, suffix string) string {
	return entity + "." + suffix
}

// SyncMessage replaces an entity's snapshot and total count.
type SyncMessage[T any] struct {
	dispatcher.Sealed

	Entity  string
	Records []T
	Count   int
}

// Kind implements dispatcher.Message.
func (m SyncMessage[T]) Kind() string { return KindOf(m.Entity, SuffixSync) }

// TraverseMessage moves an entity's store to another page.
type TraverseMessage struct {
	dispatcher.Sealed

	Entity string
	Page   int
}

// Kind implements dispatcher.Message.
func (m TraverseMessage) Kind() string { return KindOf(m.Entity, SuffixTraverse) }

// FilterMessage sets or clears (Filter == nil) an entity's filter criteria.
type FilterMessage[F any] struct {
	dispatcher.Sealed

	Entity string
	Filter *F
}

// Kind implements dispatcher.Message.
func (m FilterMessage[F]) Kind() string { return KindOf(m.Entity, SuffixFilter) }

// SecretMessage holds server-generated secret material for the record being
// viewed. It stays in the store until a ClearSecretMessage arrives.
type SecretMessage struct {
	dispatcher.Sealed

	Entity string
	Secret Secret
}

// Kind implements dispatcher.Message.
func (m SecretMessage) Kind() string { return KindOf(m.Entity, SuffixSecret) }

// ClearSecretMessage drops any secret held for the entity.
type ClearSecretMessage struct {
	dispatcher.Sealed

	Entity string
}

// Kind implements dispatcher.Message.
func (m ClearSecretMessage) Kind() string { return KindOf(m.Entity, SuffixClearSecret) }

// Secret is derived sensitive material returned by a create, such as a
// generated key or token.
type Secret struct {
	ID    string
	Value string
}
