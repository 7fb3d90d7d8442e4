// Command sohbet is the terminal client: account registration, key
// publication, and sending/reading end-to-end encrypted messages. All
// encryption happens here; the server only ever relays envelopes.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"gitlab.com/sohbet/services/backend/internal/client"
	"gitlab.com/sohbet/services/backend/internal/crypto"
	"gitlab.com/sohbet/services/backend/internal/keystore"
	"gitlab.com/sohbet/services/backend/internal/models"
)

// Config is the client-side state kept between invocations. Private
// keys live in the sqlite keystore, not here.
type Config struct {
	ServerURL    string    `json:"server_url"`
	Token        string    `json:"token"`
	UserID       uuid.UUID `json:"user_id"`
	KeystorePath string    `json:"keystore_path"`
}

var (
	cfgFile string
	cfg     *Config
)

var rootCmd = &cobra.Command{
	Use:   "sohbet",
	Short: "End-to-end encrypted messaging CLI",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/sohbet/config.json)")

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(publishKeyCmd)
	rootCmd.AddCommand(fingerprintCmd)
	rootCmd.AddCommand(chatsCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(listenCmd)

	sendCmd.Flags().Bool("group", false, "Treat the chat as a group chat")
	fetchCmd.Flags().Bool("group", false, "Treat the chat as a group chat")
	listenCmd.Flags().Bool("group", false, "Treat the chat as a group chat")
	registerCmd.Flags().String("email", "", "Email address (optional)")
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "sohbet", "config.json"), nil
}

func initConfig() {
	path, err := configPath()
	if err != nil {
		fmt.Println("Error resolving config path:", err)
		os.Exit(1)
	}

	cfg = &Config{ServerURL: "http://localhost:8080"}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			fmt.Println("Error parsing config:", err)
			os.Exit(1)
		}
	}
	if cfg.KeystorePath == "" {
		cfg.KeystorePath = filepath.Join(filepath.Dir(path), "keys.db")
	}
	if url := os.Getenv("SOHBET_SERVER_URL"); url != "" {
		cfg.ServerURL = url
	}
}

func saveConfig() error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func openSession() (*client.Session, *keystore.Store, error) {
	if cfg.Token == "" {
		return nil, nil, fmt.Errorf("not signed in; run 'sohbet login' first")
	}
	keys, err := keystore.Open(cfg.KeystorePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open keystore: %w", err)
	}
	return client.NewSession(cfg.ServerURL, cfg.Token, cfg.UserID, keys), keys, nil
}

// postJSON is for the unauthenticated auth endpoints; everything else
// goes through the session.
func postJSON(path string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := http.Post(strings.TrimRight(cfg.ServerURL, "/")+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Create an account and publish an identity key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		password, err := readPassword()
		if err != nil {
			return err
		}

		var resp struct {
			User  models.User `json:"user"`
			Token string      `json:"token"`
		}
		err = postJSON("/api/auth/signup", map[string]string{
			"username": args[0],
			"email":    email,
			"password": password,
		}, &resp)
		if err != nil {
			return err
		}

		cfg.Token = resp.Token
		cfg.UserID = resp.User.ID
		if err := saveConfig(); err != nil {
			return err
		}

		session, keys, err := openSession()
		if err != nil {
			return err
		}
		defer keys.Close()
		if err := session.PublishKey(cmd.Context()); err != nil {
			return fmt.Errorf("account created but key publication failed: %w", err)
		}

		fmt.Printf("Registered as %s (%s)\n", resp.User.Username, resp.User.ID)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Sign in and store the session token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword()
		if err != nil {
			return err
		}

		var resp struct {
			User  models.User `json:"user"`
			Token string      `json:"token"`
		}
		err = postJSON("/api/auth/signin", map[string]string{
			"username": args[0],
			"password": password,
		}, &resp)
		if err != nil {
			return err
		}

		cfg.Token = resp.Token
		cfg.UserID = resp.User.ID
		if err := saveConfig(); err != nil {
			return err
		}

		fmt.Printf("Signed in as %s\n", resp.User.Username)
		return nil
	},
}

var publishKeyCmd = &cobra.Command{
	Use:   "publish-key",
	Short: "Ensure a local identity key exists and publish it",
	RunE: func(cmd *cobra.Command, args []string) error {
		session, keys, err := openSession()
		if err != nil {
			return err
		}
		defer keys.Close()

		if err := session.PublishKey(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Identity key published")
		return nil
	},
}

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Print the local identity key fingerprint",
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := keystore.Open(cfg.KeystorePath)
		if err != nil {
			return err
		}
		defer keys.Close()

		if _, err := keys.EnsureIdentity(); err != nil {
			return err
		}
		der, err := keys.PublicKeyDER()
		if err != nil {
			return err
		}
		fmt.Println(crypto.KeyFingerprint(der))
		return nil
	},
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List your chats",
	RunE: func(cmd *cobra.Command, args []string) error {
		session, keys, err := openSession()
		if err != nil {
			return err
		}
		defer keys.Close()

		chats, err := session.Chats(cmd.Context())
		if err != nil {
			return err
		}
		for _, c := range chats {
			kind := "direct"
			if c.IsGroupChat {
				kind = "group"
			}
			name := c.Name
			if name == "" {
				name = "(unnamed)"
			}
			fmt.Printf("%s  %-6s  %s\n", c.ID, kind, name)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <text>",
	Short: "Encrypt a message for the chat's roster and send it",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid chat ID: %w", err)
		}

		session, keys, err := openSession()
		if err != nil {
			return err
		}
		defer keys.Close()

		msg, err := session.SendText(cmd.Context(), chatID, strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		fmt.Printf("Sent %s\n", msg.ID)
		return nil
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <chat-id>",
	Short: "Fetch and decrypt the chat's visible messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid chat ID: %w", err)
		}
		isGroup, _ := cmd.Flags().GetBool("group")

		session, keys, err := openSession()
		if err != nil {
			return err
		}
		defer keys.Close()

		msgs, err := session.FetchMessages(cmd.Context(), chatID, isGroup)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen <chat-id>",
	Short: "Stream and decrypt new messages as they arrive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid chat ID: %w", err)
		}
		isGroup, _ := cmd.Flags().GetBool("group")

		session, keys, err := openSession()
		if err != nil {
			return err
		}
		defer keys.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		conn, err := session.Dial(ctx, chatID)
		if err != nil {
			return err
		}
		defer conn.Close()

		go func() {
			<-ctx.Done()
			conn.Close()
		}()

		fmt.Println("Listening... (Ctrl-C to stop)")
		err = session.Listen(ctx, conn, isGroup, printMessage)
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func printMessage(m client.DecryptedMessage) {
	ts := m.Message.CreatedAt.Local().Format("2006-01-02 15:04")
	fmt.Printf("[%s] %s: %s\n", ts, m.Message.SenderID, m.Text)
}

// readPassword reads a password from stdin. Piped input is supported
// so scripts can drive the CLI.
func readPassword() (string, error) {
	fmt.Print("Password: ")
	var password string
	if _, err := fmt.Scanln(&password); err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if password == "" {
		return "", fmt.Errorf("password must not be empty")
	}
	return password, nil
}
