package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/roach88/decksync/internal/atomicfile"
	"github.com/roach88/decksync/internal/localstate"
	"github.com/roach88/decksync/internal/model"
	"github.com/roach88/decksync/internal/syncerr"
)

// DeckOptions holds flags for the deck admin commands.
type DeckOptions struct {
	*ServeOptions
	Name        string
	Description string
	Creator     string
	Out         string
	Size        int
}

// NewDeckCommand creates the deck command group.
func NewDeckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeckOptions{ServeOptions: &ServeOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "deck",
		Short: "Administer decks and privileges on the server's stores",
		Long: `Administer decks directly on the server's privilege store.

These commands open the same database as 'decksync serve' and take the same
storage flags.`,
	}
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "path to SQLite database")
	cmd.PersistentFlags().StringVar(&opts.PrivilegeDriver, "privilege-driver", "", "privilege store (sqlite|postgres)")
	cmd.PersistentFlags().StringVar(&opts.PostgresDSN, "postgres-dsn", "", "PostgreSQL connection string")

	cmd.AddCommand(newDeckCreateCommand(opts))
	cmd.AddCommand(newDeckGrantCommand(opts))
	cmd.AddCommand(newDeckMembersCommand(opts))
	cmd.AddCommand(newDeckShareCommand(opts))
	return cmd
}

// DeckCreated is the output of deck create.
type DeckCreated struct {
	Code    string `json:"deck_code"`
	Name    string `json:"name"`
	Creator string `json:"creator"`
}

func (d DeckCreated) Text() string {
	return fmt.Sprintf("Created deck %q\n  deck code: %s\n  creator: %s", d.Name, d.Code, d.Creator)
}

func newDeckCreateCommand(opts *DeckOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create [deck-code]",
		Short: "Register a deck before its first push",
		Long: `Register a deck and grant its creator the creator role. A deck code is
generated when none is given. The first push to a registered deck needs
writer access like any other push.

Example:
  decksync deck create --name Spanish --creator alice
  decksync deck create apple+river+stone+cloud+maple --name French --creator bob`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code := ""
			if len(args) == 1 {
				code = args[0]
			}
			return runDeckCreate(opts, cmd, code)
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "deck display name (required)")
	cmd.Flags().StringVar(&opts.Description, "desc", "", "deck description")
	cmd.Flags().StringVar(&opts.Creator, "creator", "", "user id of the creator (required)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("creator")
	return cmd
}

func runDeckCreate(opts *DeckOptions, cmd *cobra.Command, code string) error {
	formatter := opts.formatter(cmd)
	if code == "" {
		code = localstate.NewDeckCode()
	}

	be, ctx, err := opts.openAdmin(cmd)
	if err != nil {
		return err
	}
	defer be.Close()

	deck := model.Deck{Code: code, Name: opts.Name, Description: opts.Description}
	if err := be.privileges.CreateDeck(ctx, deck, opts.Creator); err != nil {
		if errors.Is(err, syncerr.ErrDeckExists) {
			_ = formatter.Error(ErrCodeStore, "deck already exists: "+code, nil)
			return WrapExitError(ExitFailure, "deck create failed", err)
		}
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitFailure, "deck create failed", err)
	}
	return formatter.Success(DeckCreated{Code: code, Name: opts.Name, Creator: opts.Creator})
}

// Granted is the output of deck grant.
type Granted struct {
	Code string     `json:"deck_code"`
	User string     `json:"user"`
	Role model.Role `json:"role"`
}

func (g Granted) Text() string {
	return fmt.Sprintf("Granted %s on %s to %s", g.Role, g.Code, g.User)
}

func newDeckGrantCommand(opts *DeckOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "grant <deck-code> <user> <role>",
		Short: "Grant a user a role on a deck",
		Long: `Grant a user one of the roles creator, manager, writer or reader on a deck.
An existing grant is replaced.

Example:
  decksync deck grant apple+river+stone+cloud+maple bob reader`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeckGrant(opts, cmd, args[0], args[1], args[2])
		},
	}
}

func runDeckGrant(opts *DeckOptions, cmd *cobra.Command, code, user, roleName string) error {
	formatter := opts.formatter(cmd)
	role, err := model.ParseRole(roleName)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid role", err)
	}

	be, ctx, err := opts.openAdmin(cmd)
	if err != nil {
		return err
	}
	defer be.Close()

	if err := be.privileges.Grant(ctx, user, code, role); err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitFailure, "deck grant failed", err)
	}
	return formatter.Success(Granted{Code: code, User: user, Role: role})
}

// Member is one user's role on a deck.
type Member struct {
	User string     `json:"user"`
	Role model.Role `json:"role"`
}

// DeckMembers is the output of deck members.
type DeckMembers struct {
	Code    string   `json:"deck_code"`
	Name    string   `json:"name"`
	Members []Member `json:"members"`
}

func (d DeckMembers) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Deck %q (%s)", d.Name, d.Code)
	for _, m := range d.Members {
		fmt.Fprintf(&b, "\n  %-20s %s", m.User, m.Role)
	}
	return b.String()
}

func newDeckMembersCommand(opts *DeckOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "members <deck-code>",
		Short: "List the users with a role on a deck",
		Long: `List every user holding a role on a deck, ordered by user id.

Example:
  decksync deck members apple+river+stone+cloud+maple`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeckMembers(opts, cmd, args[0])
		},
	}
}

func runDeckMembers(opts *DeckOptions, cmd *cobra.Command, code string) error {
	formatter := opts.formatter(cmd)

	be, ctx, err := opts.openAdmin(cmd)
	if err != nil {
		return err
	}
	defer be.Close()

	name, ok, err := be.privileges.DeckName(ctx, code)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitFailure, "deck members failed", err)
	}
	if !ok {
		_ = formatter.Error(ErrCodeStore, "unknown deck: "+code, nil)
		return NewExitError(ExitFailure, "unknown deck: "+code)
	}

	roles, err := be.privileges.Members(ctx, code)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitFailure, "deck members failed", err)
	}
	out := DeckMembers{Code: code, Name: name, Members: make([]Member, 0, len(roles))}
	for user, role := range roles {
		out.Members = append(out.Members, Member{User: user, Role: role})
	}
	sort.Slice(out.Members, func(i, j int) bool { return out.Members[i].User < out.Members[j].User })
	return formatter.Success(out)
}

// Shared is the output of deck share.
type Shared struct {
	Code string `json:"deck_code"`
	Path string `json:"path"`
}

func (s Shared) Text() string {
	return fmt.Sprintf("Wrote QR code for %s to %s", s.Code, s.Path)
}

func newDeckShareCommand(opts *DeckOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share <deck-code>",
		Short: "Write a QR code PNG of a deck code",
		Long: `Write a PNG QR code encoding the deck code, for handing to users who
should clone the deck.

Example:
  decksync deck share apple+river+stone+cloud+maple --out spanish.png`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeckShare(opts, cmd, args[0])
		},
	}
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "deck-code.png", "output PNG path")
	cmd.Flags().IntVar(&opts.Size, "size", 256, "image size in pixels")
	return cmd
}

func runDeckShare(opts *DeckOptions, cmd *cobra.Command, code string) error {
	formatter := opts.formatter(cmd)
	png, err := qrcode.Encode(code, qrcode.Medium, opts.Size)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to encode QR code", err)
	}
	if err := atomicfile.WriteFile(opts.Out, png, 0o644); err != nil {
		return WrapExitError(ExitCommandError, "failed to write QR code", err)
	}
	path, err := filepath.Abs(opts.Out)
	if err != nil {
		path = opts.Out
	}
	return formatter.Success(Shared{Code: code, Path: path})
}

// openAdmin opens the privilege store selected by config and flags.
func (o *DeckOptions) openAdmin(cmd *cobra.Command) (*backend, context.Context, error) {
	cfg, err := o.serverConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger := o.logger(cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	be, err := openBackend(ctx, cfg.Server, logger)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open storage", err)
	}
	return be, ctx, nil
}
