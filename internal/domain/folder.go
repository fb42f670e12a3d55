package domain

import "strings"

// FolderRole is the logical role of a mailbox folder, independent of the
// provider's actual folder path or label name.
type FolderRole string

const (
	RoleInbox   FolderRole = "inbox"
	RoleSent    FolderRole = "sent"
	RoleDrafts  FolderRole = "drafts"
	RoleSpam    FolderRole = "spam"
	RoleTrash   FolderRole = "trash"
	RoleArchive FolderRole = "archive"
	RoleUnknown FolderRole = ""
)

// RolePriority orders folders for fetching: partial failures or an
// exhausted time budget lose low-value folders first, never the inbox.
var RolePriority = []FolderRole{RoleInbox, RoleSent, RoleDrafts, RoleSpam, RoleTrash, RoleArchive}

// Priority returns the fetch rank of a role; lower fetches first.
func (r FolderRole) Priority() int {
	for i, role := range RolePriority {
		if r == role {
			return i
		}
	}
	return len(RolePriority)
}

// Topology maps logical roles to the provider's actual folder paths. It is
// recomputed per sync session and never persisted: paths are cheap to
// rediscover and can change under the engine.
type Topology map[FolderRole]string

// Path returns the resolved folder path for a role, or "" when the server
// exposes no folder for it.
func (t Topology) Path(role FolderRole) string {
	return t[role]
}

// roleNameHints matches folder names when the server advertises no
// special-use attribute. Keys are matched case-insensitively against the
// last path segment.
var roleNameHints = map[string]FolderRole{
	"inbox":         RoleInbox,
	"sent":          RoleSent,
	"sent items":    RoleSent,
	"sent mail":     RoleSent,
	"drafts":        RoleDrafts,
	"draft":         RoleDrafts,
	"spam":          RoleSpam,
	"junk":          RoleSpam,
	"junk e-mail":   RoleSpam,
	"trash":         RoleTrash,
	"deleted":       RoleTrash,
	"deleted items": RoleTrash,
	"bin":           RoleTrash,
	"archive":       RoleArchive,
	"archives":      RoleArchive,
	"all mail":      RoleArchive,
}

// GuessRole infers a folder's role from its path name. Providers that
// expose explicit role markers should prefer those and use this only as a
// fallback.
func GuessRole(path string) FolderRole {
	name := path
	for _, sep := range []string{"/", "."} {
		if i := strings.LastIndex(name, sep); i >= 0 {
			name = name[i+1:]
		}
	}
	if role, ok := roleNameHints[strings.ToLower(strings.TrimSpace(name))]; ok {
		return role
	}
	return RoleUnknown
}
