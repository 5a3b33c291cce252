// Package proto holds the plain-text UDP wire grammar shared by the
// directory, the group daemons and the clients. Every exchange is a
// single whitespace-separated datagram; the last field of MSG, SYS and
// the banner controls is free text and may contain spaces.
package proto

import (
	"fmt"
	"strings"
	"time"
)

// Directory request verbs (client -> directory).
const (
	ReqList   = "LIST"
	ReqCreate = "CREATE"
	ReqJoin   = "JOIN"
	ReqMerge  = "MERGE"
)

// Group-plane message kinds (first token of a datagram).
const (
	KindMsg  = "MSG"
	KindCmd  = "CMD"
	KindCtrl = "CTRL"
	KindSys  = "SYS"
)

// CMD verbs (client -> group, moderation and queries).
const (
	CmdBan    = "BAN"
	CmdUnban  = "UNBAN"
	CmdBan2   = "BAN2"
	CmdUnban2 = "UNBAN2"
	CmdList   = "LIST"
	CmdDelete = "DELETE"
)

// CTRL verbs (directory -> group, private administrative channel).
const (
	CtrlBannerSet  = "BANNER_SET"
	CtrlBannerClr  = "BANNER_CLR"
	CtrlIBannerSet = "IBANNER_SET"
	CtrlIBannerClr = "IBANNER_CLR"
	CtrlSetToken   = "SETTOKEN"
	CtrlRedirect   = "REDIRECT"
)

// Attach/detach sentinels carried in the MSG text field.
const (
	SentinelJoined = "(joined)"
	SentinelLeft   = "(left)"
)

// Replies and error reasons.
const (
	ReplyOK          = "OK"
	ReplyErr         = "ERR"
	ErrNoSlot        = "ERR no_slot"
	ErrSpawn         = "ERR spawn"
	ErrNotFound      = "ERR notfound"
	ErrMergeSyntax   = "ERR merge_syntax"
	ErrNoToken       = "ERR no_token"
	ErrBadToken      = "ERR bad_token"
	ErrUnknownCmd    = "ERR unknown_cmd"
	ErrBadArgs       = "ERR bad_args"
	ErrNotAdmin      = "ERR not_admin"
	ErrUnknownUser   = "ERR unknown_user"
	ReplyBanned      = "OK banned"
	ReplyUnbanned    = "OK unbanned"
	ReplyNotBanned   = "OK not_banned"
	ReplyDeleted     = "OK deleted"
	EmptyListing     = "(aucun)"
	ServerUser       = "[SERVER]"
	SysBanned        = "SYS Vous etes banni de ce groupe."
	SysGroupFull     = "SYS Groupe plein."
	SysGroupDeleted  = `SYS Le groupe est supprime pour cause d'inactivite. Tappez "quit" pour quitter.`
	DeletedSubstring = "Le groupe est supprime"
)

// Field limits. Senders are expected to respect them; receivers reject
// oversized fields. Non-ASCII bytes pass through untouched.
const (
	MaxGroupName = 31
	MaxUserName  = 19
	MaxText      = 500
	TokenLen     = 32 // lowercase hex, 128 bits
)

// SplitVerb separates the leading verb of a datagram from its payload.
// The payload keeps its internal spacing; a verb with no payload yields
// an empty rest.
func SplitVerb(s string) (verb, rest string) {
	s = strings.TrimRight(s, "\r\n")
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// ValidGroupName reports whether name fits the wire limits: non-empty,
// at most MaxGroupName bytes, no whitespace.
func ValidGroupName(name string) bool {
	return name != "" && len(name) <= MaxGroupName && !strings.ContainsAny(name, " \t\r\n")
}

// ValidUserName reports whether user fits the wire limits.
func ValidUserName(user string) bool {
	return user != "" && len(user) <= MaxUserName && !strings.ContainsAny(user, " \t\r\n")
}

// ValidToken reports whether tok is a 32-char lowercase hex admin token.
func ValidToken(tok string) bool {
	if len(tok) != TokenLen {
		return false
	}
	for i := 0; i < len(tok); i++ {
		c := tok[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// FormatChat renders the broadcast line for an ordinary chat message.
func FormatChat(group, user, text string) string {
	return fmt.Sprintf("GROUPE[%s]: Message de %s : %s", group, user, text)
}

// FormatSys renders the broadcast line for a directory announcement.
func FormatSys(group, text string) string {
	return fmt.Sprintf("GROUPE[%s]: Message de %s : %s", group, ServerUser, text)
}

// FormatBanAudit renders the moderation audit line broadcast after a ban.
func FormatBanAudit(admin, victim string) string {
	return fmt.Sprintf("[Action] (%s) a banni (%s)", admin, victim)
}

// FormatUnbanAudit renders the audit line broadcast after an unban.
func FormatUnbanAudit(admin, victim string) string {
	return fmt.Sprintf("[Action] (%s) a debanni (%s)", admin, victim)
}

// FormatIdleWarning renders the idle-banner text announcing the
// deletion deadline of a quiet group.
func FormatIdleWarning(group string, deadline time.Time) string {
	return fmt.Sprintf("Inactivite detectee: le groupe '%s' sera supprime a %s sans activite.",
		group, deadline.Format("15:04:05"))
}

// FormatMergeNotice renders the service-wide announcement of a merge.
func FormatMergeNotice(user, from, to string) string {
	return fmt.Sprintf("[Fusion] %s a fusionne %s -> %s", user, from, to)
}

// FormatRedirect renders the CTRL datagram ordering members to move.
func FormatRedirect(group string, port int, reason string) string {
	return fmt.Sprintf("%s %s %s %d %s", KindCtrl, CtrlRedirect, group, port, reason)
}
