// Package mailbox implements the per-agent durable message queue:
// one JSON file per agent, atomic replace under a file lock, and a
// role-based send() that enforces the permission matrix and the
// lateral-messaging policy.
package mailbox

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/seanfdz/commandpost/internal/cperr"
	"github.com/seanfdz/commandpost/internal/fsutil"
	"github.com/seanfdz/commandpost/internal/types"
)

// Store is the filesystem-backed mailbox for every agent under one
// messages/ directory.
type Store struct {
	dir        string
	onCritical func(*types.Message)
}

// New returns a Store rooted at messagesDir (".../messages").
func New(messagesDir string) *Store {
	return &Store{dir: messagesDir}
}

// SetCriticalHook registers fn to be called, after a successful Send,
// for every message whose Priority is critical. Used to fan
// escalations out to internal/notify without mailbox importing it
// directly. fn is called synchronously; a nil fn disables the hook.
func (s *Store) SetCriticalHook(fn func(*types.Message)) {
	s.onCritical = fn
}

func (s *Store) path(agent string) string {
	return filepath.Join(s.dir, agent+".json")
}

// Read returns agent's messages in insertion order; an empty slice (not
// an error) if the agent has no mailbox file yet.
func (s *Store) Read(agent string) ([]*types.Message, error) {
	var inbox types.Inbox
	if err := fsutil.ReadJSON(s.path(agent), &inbox); err != nil {
		if cperr.Is(err, cperr.KindNotFound) {
			return []*types.Message{}, nil
		}
		return nil, err
	}
	if inbox.Messages == nil {
		return []*types.Message{}, nil
	}
	return inbox.Messages, nil
}

// Get returns the message with the given id, or a NotFoundError.
func (s *Store) Get(agent, id string) (*types.Message, error) {
	messages, err := s.Read(agent)
	if err != nil {
		return nil, err
	}
	for _, m := range messages {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, cperr.NotFound("message %s for agent %s", id, agent)
}

// Filters narrows a Query call; zero-valued fields are ignored.
type Filters struct {
	Type     types.MessageType
	From     string
	Read     *bool
	Priority types.Priority
}

// Query returns every message in agent's mailbox matching all of the
// non-zero fields in f.
func (s *Store) Query(agent string, f Filters) ([]*types.Message, error) {
	messages, err := s.Read(agent)
	if err != nil {
		return nil, err
	}
	var out []*types.Message
	for _, m := range messages {
		if f.Type != "" && m.Type != f.Type {
			continue
		}
		if f.From != "" && m.From != f.From {
			continue
		}
		if f.Read != nil && m.Read != *f.Read {
			continue
		}
		if f.Priority != "" && m.Priority != f.Priority {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Append validates msg and durably appends it to agent's mailbox under
// the per-file lock: read, push, atomic-replace.
func (s *Store) Append(agent string, msg *types.Message) error {
	if msg.ID == "" || msg.From == "" || msg.To == "" || msg.Type == "" {
		return cperr.Validation("message missing required field (id/from/to/type)")
	}
	path := s.path(agent)
	return fsutil.WithLock(path, func() error {
		var inbox types.Inbox
		if err := fsutil.ReadJSON(path, &inbox); err != nil && !cperr.Is(err, cperr.KindNotFound) {
			return err
		}
		inbox.Messages = append(inbox.Messages, msg)
		return fsutil.WriteJSONAtomic(path, &inbox)
	})
}

// MarkRead flips the read flag on message id in agent's mailbox.
func (s *Store) MarkRead(agent, id string) error {
	path := s.path(agent)
	return fsutil.WithLock(path, func() error {
		var inbox types.Inbox
		if err := fsutil.ReadJSON(path, &inbox); err != nil {
			return err
		}
		found := false
		for _, m := range inbox.Messages {
			if m.ID == id {
				m.Read = true
				found = true
				break
			}
		}
		if !found {
			return cperr.NotFound("message %s for agent %s", id, agent)
		}
		return fsutil.WriteJSONAtomic(path, &inbox)
	})
}

// Delete removes message id from agent's mailbox.
func (s *Store) Delete(agent, id string) error {
	path := s.path(agent)
	return fsutil.WithLock(path, func() error {
		var inbox types.Inbox
		if err := fsutil.ReadJSON(path, &inbox); err != nil {
			return err
		}
		idx := -1
		for i, m := range inbox.Messages {
			if m.ID == id {
				idx = i
				break
			}
		}
		if idx == -1 {
			return cperr.NotFound("message %s for agent %s", id, agent)
		}
		inbox.Messages = append(inbox.Messages[:idx], inbox.Messages[idx+1:]...)
		return fsutil.WriteJSONAtomic(path, &inbox)
	})
}

// SendOptions carries the lateral-messaging policy flags a Send call
// needs beyond the message itself.
type SendOptions struct {
	SenderRole            types.Role
	LateralMessagingEnabled bool
	CCOrchestrator        bool
	OrchestratorID        string
	KnownAgents           map[string]bool // optional; nil disables the check
}

// Send assigns id/timestamp, enforces the role matrix and lateral policy,
// validates the recipient if a known-agent set was supplied, and fans the
// message out to CC recipients without double-delivering to the primary.
func (s *Store) Send(msg *types.Message, opts SendOptions) (*types.Message, error) {
	if msg.From == "" || msg.To == "" || msg.Type == "" {
		return nil, cperr.Validation("message missing from/to/type")
	}
	if !Allowed(opts.SenderRole, msg.Type) {
		return nil, cperr.Validation(
			"role %s may not send message type %s; allowedTypes=%v",
			opts.SenderRole, msg.Type, AllowedTypes(opts.SenderRole))
	}
	if msg.Type == types.MsgPeerMessage {
		if opts.SenderRole == types.RoleWorker || opts.SenderRole == types.RoleSpecialist {
			if !opts.LateralMessagingEnabled {
				return nil, cperr.Validation("lateral messaging disabled")
			}
		}
	}
	if opts.KnownAgents != nil && !opts.KnownAgents[msg.To] {
		return nil, cperr.Validation("unknown recipient %s", msg.To)
	}

	msg.ID = "msg-" + uuid.NewString()
	msg.Timestamp = time.Now().UTC()

	cc := append([]string{}, msg.CC...)
	if opts.CCOrchestrator && opts.OrchestratorID != "" && opts.OrchestratorID != msg.To {
		already := false
		for _, c := range cc {
			if c == opts.OrchestratorID {
				already = true
				break
			}
		}
		if !already {
			cc = append(cc, opts.OrchestratorID)
		}
	}
	msg.CC = cc

	if err := s.Append(msg.To, msg); err != nil {
		return nil, err
	}
	for _, recipient := range cc {
		if recipient == msg.To {
			continue
		}
		if err := s.Append(recipient, msg); err != nil {
			return nil, err
		}
	}
	if s.onCritical != nil && msg.Priority == types.PriorityCritical {
		s.onCritical(msg)
	}
	return msg, nil
}
