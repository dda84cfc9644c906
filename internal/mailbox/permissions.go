package mailbox

import "github.com/seanfdz/commandpost/internal/types"

// permissions is the static role-to-allowed-message-type lookup called
// for in DESIGN NOTES: a declaration-ordered list per role, not a map,
// so AllowedTypes can hand ValidationError a stable order without
// re-sorting. Adding a role means adding one slice entry.
var permissions = map[types.Role][]types.MessageType{
	types.RoleOrchestrator: {
		types.MsgTaskAssignment, types.MsgFeedback, types.MsgTaskUpdate,
		types.MsgEscalation, types.MsgHumanApprovalRequest, types.MsgLifecycleCommand,
	},
	types.RolePO: {
		types.MsgTaskAssignment, types.MsgFeedback, types.MsgTaskUpdate, types.MsgEscalation,
	},
	types.RoleCoordinator: {
		types.MsgTaskAssignment, types.MsgFeedback, types.MsgTaskUpdate, types.MsgEscalation,
	},
	types.RoleWorker: {
		types.MsgTaskUpdate, types.MsgPeerMessage, types.MsgEscalation, types.MsgMemoryHandoff,
	},
	types.RoleSpecialist: {
		types.MsgTaskUpdate, types.MsgPeerMessage, types.MsgEscalation, types.MsgMemoryHandoff,
	},
	types.RoleAudit: {
		types.MsgAuditReport, types.MsgEscalation,
	},
	types.RoleSecurity: {
		types.MsgAuditReport, types.MsgEscalation,
	},
	types.RoleContextMonitor: {
		types.MsgLifecycleCommand, types.MsgTaskUpdate, types.MsgEscalation,
	},
}

// Allowed reports whether role may send messages of the given type.
func Allowed(role types.Role, msgType types.MessageType) bool {
	for _, t := range permissions[role] {
		if t == msgType {
			return true
		}
	}
	return false
}

// AllowedTypes returns the declaration-ordered list of message types a
// role may send, used to populate ValidationError diagnostics.
func AllowedTypes(role types.Role) []types.MessageType {
	allowed, ok := permissions[role]
	if !ok {
		return nil
	}
	out := make([]types.MessageType, len(allowed))
	copy(out, allowed)
	return out
}
