// Package realtime delivers chat events to connected clients.
//
// # Channels
//
// Two channel families exist:
//
//   - chat.{userId}: private to one user; carries message.sent
//   - conversation.{conversationId}: visible to the two participants;
//     carries message.read and user.typing
//
// Subscription is authorized at subscribe time through an Authorizer, which
// the messaging service implements.
//
// # Fan-out
//
// Broadcaster is an in-memory pub/sub keyed by channel. Each subscription is
// owned by a connection id, and Publish can exclude one connection so the
// tab that sent a message does not receive its own echo while the sender's
// other tabs still do. Delivery never blocks; a full subscriber buffer drops
// the event.
//
// RedisRelay is an alternative Publisher for multi-node deployments. It
// publishes to murmur:{channel} and every node relays what it receives into
// its local Broadcaster.
//
// # WebSocket protocol
//
// On connect the server sends:
//
//	{"event":"connection.established","data":{"socket_id":"..."}}
//
// Clients then send control frames:
//
//	{"action":"subscribe","channel":"chat.42"}
//	{"action":"unsubscribe","channel":"conversation.7"}
//
// and receive subscription.succeeded or subscription.error for each. Events
// arrive as {"event":name,"channel":channel,"data":payload}.
package realtime
