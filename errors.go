package chatsync

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized means a conversation was reconciled before its cache
	// entry was opened. It is a caller ordering bug and is never retried.
	ErrNotInitialized = errors.New("chatsync: conversation cache not initialized")

	// ErrNotMember is returned for operations on conversations outside the
	// current membership set.
	ErrNotMember = errors.New("chatsync: not a member of conversation")

	// ErrMessageNotFound is returned when a message id is unknown.
	ErrMessageNotFound = errors.New("chatsync: message not found")

	// ErrEmptyMessage is returned when text is blank after sanitizing.
	ErrEmptyMessage = errors.New("chatsync: empty message text")

	// ErrInvalidInput is returned by stores for malformed writes.
	ErrInvalidInput = errors.New("chatsync: invalid input")

	// ErrStreamOverflow ends a created stream whose consumer fell too far behind.
	ErrStreamOverflow = errors.New("chatsync: created stream consumer too slow")

	// ErrClosed is returned by a store that has been closed.
	ErrClosed = errors.New("chatsync: store closed")
)

// FetchError reports a failed backfill or live subscription. The local cache
// is left unchanged; callers may retry on demand.
type FetchError struct {
	Op             string
	ConversationID string
	Err            error
}

func (e *FetchError) Error() string {
	if e.ConversationID == "" {
		return fmt.Sprintf("chatsync: %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("chatsync: %s %s failed: %v", e.Op, e.ConversationID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// WriteError reports a failed send, edit or delete. Nothing local is mutated
// when a write fails.
type WriteError struct {
	Op             string
	ConversationID string
	MessageID      string
	Err            error
}

func (e *WriteError) Error() string {
	target := e.ConversationID
	if e.MessageID != "" {
		target += "/" + e.MessageID
	}
	return fmt.Sprintf("chatsync: %s %s failed: %v", e.Op, target, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
