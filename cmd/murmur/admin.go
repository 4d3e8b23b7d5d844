// ABOUTME: Administrative subcommands: init, seed, token and health
// ABOUTME: Operate directly on the configured store or call the running server

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/murmur/internal/auth"
	"github.com/2389/murmur/internal/chat"
	"github.com/2389/murmur/internal/config"
	"github.com/2389/murmur/internal/store"
)

// seedPassword is the password given to every demo user.
const seedPassword = "password"

var seedUsers = []struct{ name, email string }{
	{"Alice Johnson", "alice@example.com"},
	{"Bob Smith", "bob@example.com"},
	{"Charlie Brown", "charlie@example.com"},
}

// seedMessages are sent in order; indexes refer to seedUsers.
var seedMessages = []struct {
	from, to int
	body     string
}{
	{0, 1, "Hey Bob, are we still on for lunch?"},
	{1, 0, "Yes! 12:30 at the usual place."},
	{0, 1, "Perfect, see you **there**."},
	{2, 0, "Did you see the release notes? https://example.com/notes"},
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// renderInitConfig returns the starter config with a fresh JWT secret.
func renderInitConfig(dataDir, secret string) string {
	return strings.Replace(config.Sample(dataDir), "${MURMUR_JWT_SECRET}", secret, 1)
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	path := fs.String("config", config.DefaultPath(), "config file to write")
	force := fs.Bool("force", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(*path); err == nil && !*force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", *path)
	}

	secret, err := generateSecret()
	if err != nil {
		return err
	}

	dataDir := config.DefaultDataDir()
	if err := os.MkdirAll(filepath.Dir(*path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(*path, []byte(renderInitConfig(dataDir, secret)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", *path)
	green.Printf("  ✓ Data directory: %s\n", dataDir)
	fmt.Println()
	color.New(color.FgYellow).Println("  Next:")
	fmt.Println("    murmur seed     # create demo users")
	fmt.Println("    murmur serve    # start the server")
	return nil
}

// seedUser returns the user with email, creating it if needed.
func seedUser(ctx context.Context, st store.UserStore, name, email, hash string) (*store.User, bool, error) {
	u := &store.User{Name: name, Email: email, PasswordHash: hash}
	err := st.CreateUser(ctx, u)
	if errors.Is(err, store.ErrDuplicateUser) {
		existing, err := st.GetUserByEmail(ctx, email)
		return existing, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("creating user %s: %w", email, err)
	}
	return u, true, nil
}

func seed(ctx context.Context, st store.Store) ([]*store.User, int, error) {
	hash, err := auth.HashPassword(seedPassword)
	if err != nil {
		return nil, 0, err
	}

	users := make([]*store.User, 0, len(seedUsers))
	for _, su := range seedUsers {
		u, _, err := seedUser(ctx, st, su.name, su.email, hash)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}

	// Messages are only seeded into conversations that are still empty.
	svc := chat.New(st, nil, nil)
	defer svc.Close()

	seeded := make(map[int64]bool)
	sent := 0
	for _, m := range seedMessages {
		from, to := users[m.from], users[m.to]
		conv, err := svc.StartConversation(ctx, from, to.ID)
		if err != nil {
			return nil, 0, err
		}

		fresh, ok := seeded[conv.ID]
		if !ok {
			_, err := st.GetLatestMessage(ctx, conv.ID)
			fresh = errors.Is(err, store.ErrNotFound)
			if err != nil && !fresh {
				return nil, 0, fmt.Errorf("checking conversation %d: %w", conv.ID, err)
			}
			seeded[conv.ID] = fresh
		}
		if !fresh {
			continue
		}

		if _, err := svc.SendMessage(ctx, from, chat.SendRequest{ReceiverID: to.ID, Body: m.body}); err != nil {
			return nil, 0, err
		}
		sent++
	}
	return users, sent, nil
}

func runSeed(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	users, sent, err := seed(ctx, st)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	for _, u := range users {
		green.Print("  ✓ ")
		fmt.Printf("%-15s %-22s id=%d\n", u.Name, u.Email, u.ID)
	}
	green.Print("  ✓ ")
	fmt.Printf("%d sample messages\n", sent)
	fmt.Println()
	color.New(color.FgHiBlack).Printf("  every demo user's password is %q\n", seedPassword)
	return nil
}

func runToken(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	email := fs.String("email", "", "user email")
	ttl := fs.Duration("ttl", 0, "token lifetime (default auth.token_ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		return fmt.Errorf("--email is required")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	user, err := st.GetUserByEmail(ctx, *email)
	if err != nil {
		return fmt.Errorf("looking up %s: %w", *email, err)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	lifetime := cfg.Auth.TokenTTL
	if *ttl > 0 {
		lifetime = *ttl
	}
	token, err := verifier.Generate(user.ID, lifetime)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

// baseURL returns the HTTP origin of the configured server.
func baseURL(cfg *config.Config) string {
	if cfg.Tailscale.Enabled {
		scheme := "http"
		if cfg.Tailscale.HTTPS {
			scheme = "https"
		}
		return scheme + "://" + cfg.Tailscale.Hostname
	}
	return "http://" + cfg.Server.HTTPAddr
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(cfg)+"/health/ready", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println("healthy")
	return nil
}
