// Package consumer is the client side of the realtime channels.
//
// It keeps the state a chat client renders and updates it from events
// received over the WebSocket:
//
//   - StatusTracker: connection status (connecting, connected, disconnected)
//   - ConversationList: sidebar previews, ordering and unread counters
//   - ConversationView: the open conversation, read receipts and the
//     remote typing indicator with its 5 second expiry
//   - TypingEmitter: local keystrokes throttled to one signal per second
//   - ScrollPolicy: whether new content should scroll the viewport
//
// Client dials the server's /ws endpoint with gorilla/websocket, keeps the
// StatusTracker current across reconnects and dispatches decoded events to
// the list and the open view.
//
// Timers are created through a Clock so tests can drive them with a fake.
//
// # Usage
//
//	list := consumer.NewConversationList(viewerID, summaries, consumer.SystemClock())
//	client := consumer.NewClient(consumer.ClientConfig{
//	    URL:      "ws://localhost:8080/ws",
//	    Token:    token,
//	    ViewerID: viewerID,
//	}, list, logger)
//	go client.Run(ctx)
//
//	view := consumer.NewConversationView(convID, viewerID, messages, api, consumer.SystemClock(), logger)
//	client.Open(view)
package consumer
