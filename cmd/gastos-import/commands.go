package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/peterbourgon/ff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/gastos-import/internal/credentials"
	"github.com/zombor/gastos-import/internal/extraction"
	"github.com/zombor/gastos-import/internal/form"
	"github.com/zombor/gastos-import/internal/intake"
	"github.com/zombor/gastos-import/internal/pipeline"
	"github.com/zombor/gastos-import/internal/server"
	"github.com/zombor/gastos-import/internal/store"
)

// tokenEnvVar is read when no token flag is given, before the saved session
const tokenEnvVar = "AUTH_TOKEN"

type rootCommand struct {
	*ff.Command

	apiURL          *string
	dbPath          *string
	token           *string
	timeout         *time.Duration
	displayInterval *time.Duration
	logLevel        *string
}

func newRootCommand() *rootCommand {
	fs := ff.NewFlagSet("gastos-import")
	r := &rootCommand{
		apiURL:          fs.StringLong("api-url", "http://localhost:8000", "Expense API base URL"),
		dbPath:          fs.StringLong("db", "gastos-import.db", "Database file path"),
		token:           fs.StringLong("token", "", "Session token (overrides the saved session)"),
		timeout:         fs.DurationLong("timeout", extraction.DefaultTimeout, "Upload timeout"),
		displayInterval: fs.DurationLong("display-interval", pipeline.DefaultDisplayInterval, "How long a success is shown before the hand-off"),
		logLevel:        fs.StringLong("log-level", "info", "Log level: debug, info, warn or error"),
	}
	fs.BoolLong("version", "Show version information")

	r.Command = &ff.Command{
		Name:  "gastos-import",
		Usage: "gastos-import [FLAGS] <SUBCOMMAND> ...",
		Flags: fs,
		Subcommands: []*ff.Command{
			r.importCommand(fs),
			r.takeCommand(fs),
			r.historyCommand(fs),
			r.loginCommand(fs),
			r.logoutCommand(fs),
			r.serveCommand(fs),
		},
	}
	return r
}

func (r *rootCommand) configureLogging() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(*r.logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", *r.logLevel, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

func (r *rootCommand) openDB() (*store.BoltDB, error) {
	slog.Debug("Opening database", "path", *r.dbPath)
	db, err := store.NewBoltDB(*r.dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}
	return db, nil
}

// credentials looks up the token from the flag, the environment, then the saved session
func (r *rootCommand) credentials(db *store.BoltDB) credentials.Provider {
	return credentials.Chain{
		credentials.Static(*r.token),
		credentials.Env(tokenEnvVar),
		credentials.Stored{Store: db},
	}
}

func (r *rootCommand) newSession(db *store.BoltDB) *pipeline.Session {
	client := extraction.NewClient(*r.apiURL, *r.timeout)
	return pipeline.NewSession(pipeline.Config{
		DisplayInterval: *r.displayInterval,
		Recorder:        db,
		OnTransition: func(state pipeline.State) {
			slog.Debug("Import state changed", "state", state.Name())
		},
	}, client, r.credentials(db), db)
}

func (r *rootCommand) importCommand(parent *ff.FlagSet) *ff.Command {
	fs := ff.NewFlagSet("import").SetParent(parent)
	return &ff.Command{
		Name:      "import",
		Usage:     "gastos-import import [FLAGS] <FILE>",
		ShortHelp: "Extract expense data from a receipt or invoice",
		Flags:     fs,
		Exec:      r.runImport,
	}
}

func (r *rootCommand) runImport(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("a file path is required")
	}
	if len(args) > 1 {
		slog.Info("Only the first file is imported", "ignored", len(args)-1)
	}

	f, err := intake.Open(args[0])
	if err != nil {
		return err
	}

	db, err := r.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	session := r.newSession(db)
	state, err := session.Submit(ctx, f)

	var validationErr *intake.ValidationError
	if errors.As(err, &validationErr) {
		fmt.Fprintln(os.Stderr, validationErr.Message())
		return err
	}

	switch st := state.(type) {
	case pipeline.Failed:
		fmt.Fprintln(os.Stderr, st.Reason)
		return err
	case pipeline.Succeeded:
		fmt.Println(st.Message)
		printDraft(form.Prefill(&st.Result))
	}

	state, err = session.Wait(ctx)
	if err != nil {
		// Interrupted during the display interval; hand off right away
		if closeErr := session.Close(); closeErr != nil {
			return closeErr
		}
		state = session.State()
	}
	if failed, ok := state.(pipeline.Failed); ok {
		fmt.Fprintln(os.Stderr, failed.Reason)
		return errors.New(failed.Reason)
	}

	fmt.Println("Datos listos para el formulario. Ejecute 'gastos-import take' para usarlos.")
	return nil
}

func (r *rootCommand) takeCommand(parent *ff.FlagSet) *ff.Command {
	fs := ff.NewFlagSet("take").SetParent(parent)
	return &ff.Command{
		Name:      "take",
		Usage:     "gastos-import take [FLAGS]",
		ShortHelp: "Print the pending imported expense as a form draft and clear it",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			db, err := r.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			draft, err := form.Consume(db)
			if err != nil {
				return err
			}
			if draft == nil {
				fmt.Fprintln(os.Stderr, "No hay datos importados")
				return nil
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(draft)
		},
	}
}

func (r *rootCommand) historyCommand(parent *ff.FlagSet) *ff.Command {
	fs := ff.NewFlagSet("history").SetParent(parent)
	limit := fs.IntLong("limit", 10, "Number of imports to show (0 for all)")
	return &ff.Command{
		Name:      "history",
		Usage:     "gastos-import history [FLAGS]",
		ShortHelp: "List recent imports",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			db, err := r.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			records, err := db.ListImports(*limit)
			if err != nil {
				return fmt.Errorf("listing imports: %w", err)
			}
			if len(records) == 0 {
				fmt.Println("No hay importaciones")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ARCHIVO\tTIPO\tESTADO\tFECHA\tMONTO")
			for _, rec := range records {
				amount := "-"
				if rec.Amount.Valid {
					amount = form.FormatAmount(rec.Amount.Decimal)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.FileName, rec.Kind, rec.Status, form.FormatDateLocal(rec.CreatedAt.Local()), amount)
			}
			return tw.Flush()
		},
	}
}

func (r *rootCommand) loginCommand(parent *ff.FlagSet) *ff.Command {
	fs := ff.NewFlagSet("login").SetParent(parent)
	return &ff.Command{
		Name:      "login",
		Usage:     "gastos-import login [FLAGS] <TOKEN>",
		ShortHelp: "Save a session token",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			token := *r.token
			if len(args) > 0 {
				token = args[0]
			}
			token = strings.TrimSpace(token)
			if token == "" {
				return errors.New("a token is required")
			}

			db, err := r.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.SetToken(token); err != nil {
				return fmt.Errorf("saving token: %w", err)
			}
			slog.Info("Session token saved")
			return nil
		},
	}
}

func (r *rootCommand) logoutCommand(parent *ff.FlagSet) *ff.Command {
	fs := ff.NewFlagSet("logout").SetParent(parent)
	return &ff.Command{
		Name:      "logout",
		Usage:     "gastos-import logout [FLAGS]",
		ShortHelp: "Remove the saved session token",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			db, err := r.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.ClearToken(); err != nil {
				return fmt.Errorf("clearing token: %w", err)
			}
			slog.Info("Session token removed")
			return nil
		},
	}
}

func (r *rootCommand) serveCommand(parent *ff.FlagSet) *ff.Command {
	fs := ff.NewFlagSet("serve").SetParent(parent)
	var (
		port     = fs.IntLong("port", 8080, "HTTP server port")
		authUser = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
	)
	return &ff.Command{
		Name:      "serve",
		Usage:     "gastos-import serve [FLAGS]",
		ShortHelp: "Serve the import session over HTTP",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			db, err := r.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			session := r.newSession(db)
			srv := server.NewServer(session, db, db, server.BasicAuth{
				Username: *authUser,
				Password: *authPass,
			})

			addr := fmt.Sprintf(":%d", *port)
			if *authUser != "" || *authPass != "" {
				slog.Info("Basic auth enabled", "user", *authUser)
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.Run(ctx, addr)
			})
			g.Go(func() error {
				<-ctx.Done()
				// Finish a pending hand-off before the database closes
				if err := session.Close(); err != nil {
					session.Reset()
				}
				return nil
			})
			return g.Wait()
		},
	}
}

func printDraft(d form.Draft) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Fecha:\t%s\n", d.Fecha)
	fmt.Fprintf(tw, "Monto:\t%s %s\n", d.Monto, d.Moneda)
	fmt.Fprintf(tw, "Descripción:\t%s\n", d.Descripcion)
	fmt.Fprintf(tw, "Comercio:\t%s\n", d.Comercio)
	fmt.Fprintf(tw, "Categoría sugerida:\t%s\n", d.IDCategoria)
	fmt.Fprintf(tw, "Confianza:\t%.0f%%\n", d.Confianza*100)
	tw.Flush()
}
