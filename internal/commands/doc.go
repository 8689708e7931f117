// Package commands routes chat messages to the monitor operations.
//
// Commands (with "/" or "!" prefix, English or the legacy Portuguese names):
//
//	/monitor [url]   start tracking a page in this chat (asks for the url when omitted)
//	/list            numbered list of tracked pages
//	/remove [n]      stop tracking the n-th page (asks for the number when omitted)
//	/status          scheduler and notifier state
//	/help            command list
//
// Messages are processed by a small worker pool sharded by chat id, so a
// chat's messages are handled in order and a prompt answer can never overtake
// the prompt.
package commands
