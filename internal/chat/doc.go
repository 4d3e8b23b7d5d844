// Package chat implements direct messaging between two users.
//
// Service is the only writer of conversations and messages. Every
// operation that touches a conversation first checks that the acting user
// is one of its two participants and fails with ErrUnauthorized otherwise,
// before any side effect.
//
// Writes follow a fixed order: validate, persist, then publish. Publishing
// goes through an injected realtime.Publisher and is best-effort; a failed
// publish is logged and counted but never fails the request, since the store
// is the source of truth and clients reconcile on their next fetch.
//
// Events:
//
//   - message.sent to chat.{receiver} and chat.{sender}, excluding the
//     connection that sent it
//   - message.read to conversation.{id}, only when something changed
//   - user.typing to conversation.{id}, throttled per user and conversation
//
// Service also implements realtime.Authorizer so the WebSocket hub can apply
// the same participant rule at subscribe time.
package chat
