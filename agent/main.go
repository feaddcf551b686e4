// Command agent is a terminal collaborator: it edits a story alone or joins
// a relay session and keeps the local copy in sync.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"storysync/internal/config"
	"storysync/internal/discovery"
	"storysync/internal/engine"
	"storysync/internal/sessionapi"
	"storysync/internal/story"
)

type rootOptions struct {
	configPath string
	relay      string
	userID     string
	username   string
	dataDir    string
}

func main() {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "agent",
		Short:         "Write a story together with others over a storysync relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	f := root.PersistentFlags()
	f.StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	f.StringVar(&opts.relay, "relay", "", "relay URL (default http://localhost:8081)")
	f.StringVar(&opts.userID, "user", "", "user id (default: generated once and kept in the data dir)")
	f.StringVarP(&opts.username, "name", "n", "", "display name")
	f.StringVar(&opts.dataDir, "data", "", "directory for the local story store")

	root.AddCommand(
		createCmd(opts),
		joinCmd(opts),
		resumeCmd(opts),
		soloCmd(opts),
		discoverCmd(opts),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func createCmd(opts *rootOptions) *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start a story and host a session for it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, opts, func(ctx context.Context, e *engine.Engine, r *repl) error {
				if err := e.NewStory(ctx, title); err != nil {
					return err
				}
				s, err := e.CreateSession(ctx)
				if err != nil {
					return err
				}
				r.printf("Session created. Join code: %s (type /start when everyone is in)", s.JoinCode)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "Collaborative Story", "story title")
	return cmd
}

func joinCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "join CODE",
		Short: "Join a session by its join code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, opts, func(ctx context.Context, e *engine.Engine, r *repl) error {
				s, err := e.JoinSession(ctx, args[0])
				if err != nil {
					return err
				}
				r.printf("Joined session %s (%s).", s.JoinCode, e.Lobby().State())
				return nil
			})
		},
	}
}

func resumeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Rejoin the session left within the last hour",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, opts, func(ctx context.Context, e *engine.Engine, r *repl) error {
				s, ok, err := e.ResumeSession(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return errors.New("there is no recent session to resume")
				}
				r.printf("Resumed session %s.", s.JoinCode)
				return nil
			})
		},
	}
}

func soloCmd(opts *rootOptions) *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "solo",
		Short: "Write a story alone (use /host to invite others later)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, opts, func(ctx context.Context, e *engine.Engine, r *repl) error {
				return e.NewStory(ctx, title)
			})
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "Untitled", "story title")
	return cmd
}

func discoverCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find relays on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, log, err := opts.load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			relays, err := discovery.Browse(ctx, log)
			if err != nil {
				return err
			}
			if len(relays) == 0 {
				fmt.Println("No relays found.")
				return nil
			}
			for _, r := range relays {
				fmt.Printf("%s\t%s\t%s\n", r.Instance, r.URL(), r.Version)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to listen for announcements")
	return cmd
}

func (o *rootOptions) load() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	a := &cfg.Agent
	for dst, v := range map[*string]string{&a.RelayURL: o.relay, &a.UserID: o.userID, &a.Username: o.username, &a.DataDir: o.dataDir} {
		if v != "" {
			*dst = v
		}
	}
	log, err := cfg.Logger()
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

// runSession opens the engine, runs start on its loop and then hands the
// terminal to the REPL.
func runSession(cmd *cobra.Command, opts *rootOptions, start func(ctx context.Context, e *engine.Engine, r *repl) error) error {
	cfg, log, err := opts.load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := cfg.Agent
	if err := os.MkdirAll(a.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if a.UserID == "" {
		if a.UserID, err = stableUserID(a.DataDir); err != nil {
			return err
		}
	}
	if a.Username == "" {
		a.Username = os.Getenv("USER")
	}
	wsURL, err := config.WebsocketURL(a.RelayURL)
	if err != nil {
		return err
	}
	store, err := story.OpenBolt(filepath.Join(a.DataDir, "stories.db"), nil)
	if err != nil {
		return err
	}
	defer store.Close()

	r := newREPL(ctx, os.Stdout)
	e := engine.New(engine.Config{
		UserID:      a.UserID,
		Username:    a.Username,
		DisplayName: a.DisplayName,
		RelayURL:    wsURL,
		API:         sessionapi.New(a.RelayURL, a.UserID, a.Username, nil),
		Store:       store,
		Resume:      store,
		Logger:      log,
		OnNotice:    r.notice,
	})
	r.e = e

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(loopCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	e.Do(func() {
		r.watch()
		err = start(ctx, e, r)
	})
	if err != nil {
		return err
	}
	return r.run(os.Stdin)
}

// stableUserID returns the id kept in dir, creating it on first use so the
// same person keeps their identity (and host role) across runs.
func stableUserID(dir string) (string, error) {
	path := filepath.Join(dir, "user_id")
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read user id: %w", err)
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("save user id: %w", err)
	}
	return id, nil
}
