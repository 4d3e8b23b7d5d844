// ABOUTME: watch subcommand: logs in, connects the realtime client and prints live events
// ABOUTME: Optionally opens one conversation so incoming messages are marked read

package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/murmur/internal/consumer"
	"github.com/2389/murmur/internal/realtime"
)

// websocketURL converts an http(s) origin into the /ws endpoint.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws"
	return u.String(), nil
}

func runWatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	server := fs.String("server", "", "server URL (default from config)")
	email := fs.String("email", "", "login email")
	password := fs.String("password", "", "login password")
	open := fs.Int64("open", 0, "conversation id to keep open")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" || *password == "" {
		return fmt.Errorf("--email and --password are required")
	}

	base := *server
	if base == "" {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		base = baseURL(cfg)
	}
	wsURL, err := websocketURL(base)
	if err != nil {
		return err
	}

	login, err := consumer.Login(ctx, base, *email, *password, nil)
	if err != nil {
		return fmt.Errorf("logging in: %w", err)
	}
	api := consumer.NewAPI(base, login.Token, nil)

	conversations, err := api.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("listing conversations: %w", err)
	}
	clock := consumer.SystemClock()
	list := consumer.NewConversationList(login.User.ID, conversations, clock)

	client := consumer.NewClient(consumer.ClientConfig{
		URL:      wsURL,
		Token:    login.Token,
		ViewerID: login.User.ID,
	}, list, nil)
	api.UseSocketID(client.SocketID)

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	yellow := color.New(color.FgYellow)

	cyan.Printf("  %s <%s>\n", login.User.Name, login.User.Email)
	for _, c := range list.Items() {
		preview := "no messages yet"
		if c.LastMessage != nil {
			preview = c.LastMessage.Body
		}
		gray.Printf("    #%d %-15s unread=%d  %s\n", c.ID, c.OtherUser.Name, c.UnreadCount, preview)
	}
	fmt.Println()

	client.Status().Observe(func(from, to consumer.Status) {
		yellow.Printf("  [%s → %s]\n", from, to)
	})

	var view *consumer.ConversationView
	if *open != 0 {
		opened, err := api.OpenConversation(ctx, *open)
		if err != nil {
			return fmt.Errorf("opening conversation %d: %w", *open, err)
		}
		view = consumer.NewConversationView(*open, login.User.ID, opened.Messages, api, clock, nil)
		defer view.Close()
		client.Open(view)
		gray.Printf("  watching conversation #%d with %s (%d messages)\n\n",
			*open, opened.Conversation.OtherUser.Name, len(opened.Messages))
	}

	client.OnEvent(func(evt realtime.Event) {
		printEvent(evt, list, view)
	})

	err = client.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func printEvent(evt realtime.Event, list *consumer.ConversationList, view *consumer.ConversationView) {
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	switch evt.Name {
	case realtime.EventMessageSent:
		var p realtime.MessageSentPayload
		if err := evt.Decode(&p); err != nil {
			return
		}
		green.Printf("  %s", p.Sender.Name)
		gray.Printf(" #%d: ", p.ConversationID)
		fmt.Println(p.Body)
		gray.Printf("    unread total: %d\n", list.TotalUnread())

	case realtime.EventMessageRead:
		var p realtime.MessageReadPayload
		if err := evt.Decode(&p); err != nil {
			return
		}
		gray.Printf("  read #%d by user %d: %v\n", p.ConversationID, p.UserID, p.MessageIDs)

	case realtime.EventUserTyping:
		if view != nil && view.Typing() {
			gray.Println("  typing…")
		}

	default:
		gray.Printf("  %s %s\n", evt.Name, evt.Channel)
	}
}
