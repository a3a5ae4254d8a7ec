package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/decksync/internal/ankiconnect"
	"github.com/roach88/decksync/internal/client"
	"github.com/roach88/decksync/internal/config"
	"github.com/roach88/decksync/internal/identity"
	"github.com/roach88/decksync/internal/localstate"
	"github.com/roach88/decksync/internal/syncerr"
)

// ClientOptions holds the flags shared by push, pull, clone, sync and forget.
type ClientOptions struct {
	*RootOptions
	ServerAddr string
	User       string
	AnkiURL    string
	StateDir   string
}

func (o *ClientOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.ServerAddr, "server", "", "sync server address (host:port)")
	cmd.Flags().StringVarP(&o.User, "user", "u", "", "requester id")
	cmd.Flags().StringVar(&o.AnkiURL, "anki-url", "", "AnkiConnect URL")
	cmd.Flags().StringVar(&o.StateDir, "state-dir", "", "directory for sync_log.json and decks_codes.json")
}

// clientConfig loads the config file and environment, then applies the
// flags that were set explicitly.
func (o *ClientOptions) clientConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	set := func(name string, dst *string, v string) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	set("server", &cfg.Client.ServerAddr, o.ServerAddr)
	set("user", &cfg.Client.User, o.User)
	set("anki-url", &cfg.Client.AnkiConnectURL, o.AnkiURL)
	set("state-dir", &cfg.Client.StateDir, o.StateDir)

	if err := cfg.Validate(); err != nil {
		return cfg, WrapExitError(ExitCommandError, "invalid config", err)
	}
	if cfg.Client.User == "" {
		return cfg, NewExitError(ExitCommandError, "no user: set --user, client.user or DECKSYNC_USER")
	}
	return cfg, nil
}

// session wires the local collection, the client state and the identity
// resolver into a sync session.
func (o *ClientOptions) session(cmd *cobra.Command) (*client.Session, error) {
	cfg, err := o.clientConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := o.logger(cmd.ErrOrStderr())

	col := o.Collection
	if col == nil {
		col = ankiconnect.New(cfg.Client.AnkiConnectURL, ankiconnect.WithLogger(logger))
	}
	state, err := localstate.Open(cfg.Client.StateDir)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open client state", err)
	}
	resolver := identity.NewResolver(col, identity.UUIDv7Generator{}, logger)

	return client.New(client.Config{
		Addr:             cfg.Client.ServerAddr,
		User:             cfg.Client.User,
		DialTimeout:      cfg.Client.DialTimeout.Duration,
		RoundTripTimeout: cfg.Client.RoundTripTimeout.Duration,
	}, col, state, resolver, logger), nil
}

// resultView renders a client.Result for output.
type resultView struct {
	Op     string `json:"op"`
	Target string `json:"target"`
	client.Result
}

func (v resultView) Text() string {
	s := fmt.Sprintf("%s %s: %s", v.Op, v.Target, v.Message)
	if v.DeckCode != "" {
		s += fmt.Sprintf("\n  deck code: %s", v.DeckCode)
	}
	if v.Received > 0 || v.Inserted+v.Updated+v.Skipped > 0 {
		s += fmt.Sprintf("\n  received=%d inserted=%d updated=%d skipped=%d",
			v.Received, v.Inserted, v.Updated, v.Skipped)
	}
	return s
}

// clientOp is a Session method expression such as (*client.Session).Push.
type clientOp func(s *client.Session, ctx context.Context, arg string) (client.Result, error)

// newClientCommand builds one of the single-argument client commands.
func newClientCommand(rootOpts *RootOptions, use, short, long string, op clientOp) *cobra.Command {
	opts := &ClientOptions{RootOptions: rootOpts}
	name := use[:len(use)-len(" <deck>")]

	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		Long:          long,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClientOp(opts, cmd, name, args[0], op)
		},
	}
	opts.addFlags(cmd)
	return cmd
}

func runClientOp(opts *ClientOptions, cmd *cobra.Command, name, arg string, op clientOp) error {
	formatter := opts.formatter(cmd)
	session, err := opts.session(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	res, err := op(session, ctx, arg)
	formatter.VerboseLog("%s finished in %s", name, time.Since(start).Round(time.Millisecond))
	if err != nil {
		_ = formatter.Error(errorCode(err), err.Error(), nil)
		return WrapExitError(ExitFailure, name+" failed", err)
	}

	view := resultView{Op: name, Target: arg, Result: res}
	if !res.OK {
		_ = formatter.Error(ErrCodeDenied, res.Message, view)
		return NewExitError(ExitFailure, res.Message)
	}
	return formatter.Success(view)
}

// errorCode maps a sync failure to its output code.
func errorCode(err error) string {
	switch syncerr.KindOf(err) {
	case syncerr.KindTransport:
		return ErrCodeTransport
	case syncerr.KindProtocol:
		return ErrCodeProtocol
	case syncerr.KindAuthorization:
		return ErrCodeDenied
	case syncerr.KindPersistence:
		return ErrCodeStore
	default:
		return ErrCodeGeneric
	}
}

// NewPushCommand creates the push command.
func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	return newClientCommand(rootOpts, "push <deck>",
		"Send local changes of a deck to the server",
		`Send the cards of a local deck changed since its last pull.

The first push of a deck assigns it a deck code and creates it on the server,
with the pusher as its creator. Later pushes need writer access.

Example:
  decksync push Spanish --user alice`,
		(*client.Session).Push)
}

// NewPullCommand creates the pull command.
func NewPullCommand(rootOpts *RootOptions) *cobra.Command {
	return newClientCommand(rootOpts, "pull <deck>",
		"Fetch server changes of a deck",
		`Fetch the cards changed on the server since the deck's cursor and apply
them to the local deck. Local cards win ties.

Example:
  decksync pull Spanish --user bob`,
		(*client.Session).Pull)
}

// NewCloneCommand creates the clone command.
func NewCloneCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClientOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "clone <deck-code>",
		Short: "Create a local copy of a shared deck",
		Long: `Create a local deck from the server copy behind a deck code.

Example:
  decksync clone river+candle+otter+maple+storm --user bob`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClientOp(opts, cmd, "clone", args[0], (*client.Session).Clone)
		},
	}
	opts.addFlags(cmd)
	return cmd
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return newClientCommand(rootOpts, "sync <deck>",
		"Pull then push a deck",
		`Pull the deck's server changes, then push local changes.

Example:
  decksync sync Spanish --user alice`,
		(*client.Session).Sync)
}

// NewForgetCommand creates the forget command.
func NewForgetCommand(rootOpts *RootOptions) *cobra.Command {
	return newClientCommand(rootOpts, "forget <deck>",
		"Unlink a local deck from its deck code",
		`Drop the deck's cursor and deck code. Local cards and the server copy are
kept; a later push creates a new shared deck.

Example:
  decksync forget Spanish`,
		(*client.Session).Forget)
}
