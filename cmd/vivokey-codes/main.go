package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/Giraut/vivokey-codes/internal/session"
	"github.com/Giraut/vivokey-codes/pkg/models"
	"github.com/atotto/clipboard"
	"github.com/go-chi/chi/v5"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/stuffbin"
	"github.com/zerodha/logf"
)

// App is the global app context that groups the controls (session, config
// etc.) shared by the control loop and the HTTP handlers.
type App struct {
	lo        logf.Logger
	fs        stuffbin.FileSystem
	sess      *session.Session
	constants constants

	// pwCh carries passwords posted to the API into the control loop,
	// which alone talks to the session.
	pwCh chan string

	mu   sync.RWMutex
	snap snapshot
}

// snapshot is the control loop's last view of the token, shared whole with
// the HTTP handlers. Codes live nowhere else: every tick rebuilds the
// snapshot from scratch, so nothing outlives the token that produced it.
type snapshot struct {
	State  string
	Reader string
	Applet string
	Error  string
	Codes  []models.Code
	ReadAt time.Time
}

var (
	ko = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

func main() {
	initConfig()

	lo := initLogger(ko.Bool("debug"))
	fs := initFS(os.Args[0])

	if ko.Bool("new-config") {
		if err := newConfigFile(fs); err != nil {
			lo.Fatal("error generating config file", "error", err)
		}
		return
	}

	app := &App{
		lo:        lo,
		fs:        fs,
		constants: initConstants(),
		pwCh:      make(chan string, 1),
	}
	app.sess = session.New(session.Config{
		Reader:   ko.String("app.reader"),
		Password: ko.String("app.password"),
	}, lo)

	if ko.Bool("serve") {
		serve(app)
		return
	}

	defer app.sess.Close()
	if err := oneshot(app); err != nil {
		lo.Fatal("no codes read", "error", err)
	}
}

// oneshot polls until the token is read once or the timeout passes, then
// prints the codes.
func oneshot(app *App) error {
	tick := time.NewTicker(app.constants.pollInterval)
	defer tick.Stop()

	var deadline <-chan time.Time
	if app.constants.timeout > 0 {
		deadline = time.After(app.constants.timeout)
	}

	for {
		select {
		case <-deadline:
			if err := app.sess.Err(); err != nil {
				return fmt.Errorf("gave up after %s: %w", app.constants.timeout, err)
			}
			return fmt.Errorf("no token read after %s", app.constants.timeout)

		case <-tick.C:
			switch app.sess.Poll() {
			case session.Ready:
				codes, err := app.sess.Codes(time.Now())
				if err != nil {
					// The token may have been pulled mid-read;
					// keep polling for its next landing.
					app.lo.Debug("read failed", "error", err)
					continue
				}
				return output(app, codes)

			case session.Connected:
				// There's no way to acquire a password after
				// startup in one-shot mode: fail now instead of
				// spinning until the timeout.
				if err := app.sess.Err(); err != nil {
					return err
				}
				return errors.New("token is password protected: pass --password, or set it in the config or VIVOKEY_CODES_APP__PASSWORD")
			}
		}
	}
}

// output renders the code table on stdout and applies the filter, copy and
// remember actions.
func output(app *App, codes []models.Code) error {
	app.lo.Info("read codes", "count", len(codes))

	shown := codes
	if app.constants.filter != "" {
		f, err := filterCodes(codes, app.constants.filter)
		if err != nil {
			return err
		}
		shown = f
	}

	tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ISSUER\tACCOUNT\tCODE")
	for _, c := range shown {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Issuer, c.Name, c.Code)
	}
	tw.Flush()

	if app.constants.copyQuery != "" {
		if err := copyCode(codes, app.constants.copyQuery); err != nil {
			return err
		}
	}

	if app.constants.remember {
		if err := saveConfig(); err != nil {
			return fmt.Errorf("saving config: %w", err)
		}
		app.lo.Info("saved config", "path", cfgPaths[0])
	}
	return nil
}

// copyCode puts the first code matching query into the system clipboard.
func copyCode(codes []models.Code, query string) error {
	matched, err := filterCodes(codes, query)
	if err != nil {
		return err
	}
	if len(matched) == 0 {
		return fmt.Errorf("no code matches %q", query)
	}

	c := matched[0]
	if err := clipboard.WriteAll(c.Code); err != nil {
		return fmt.Errorf("clipboard: %w", err)
	}
	fmt.Printf("Copied code %s (%s) into the clipboard\n", c.Code, c.Label())
	return nil
}

// serve runs the control loop in the background and serves the snapshot
// over a local HTTP API.
func serve(app *App) {
	go func() {
		tick := time.NewTicker(app.constants.pollInterval)
		defer tick.Stop()
		for range tick.C {
			app.refresh()
		}
	}()

	// Register handles.
	r := chi.NewRouter()
	r.Get("/", wrap(app, handleIndex))
	r.Get("/api/health", wrap(app, handleHealthCheck))
	r.Get("/api/status", auth(app, wrap(app, handleStatus)))
	r.Get("/api/codes", auth(app, wrap(app, handleCodes)))
	r.Post("/api/password", auth(app, wrap(app, handlePassword)))
	r.Get("/static/*", func(w http.ResponseWriter, r *http.Request) {
		app.fs.FileServer().ServeHTTP(w, r)
	})

	srv := &http.Server{
		Addr:         app.constants.address,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		Handler:      r,
	}

	app.lo.Info("starting server", "address", srv.Addr)
	if err := srv.ListenAndServe(); err != nil {
		app.lo.Fatal("couldn't start server", "error", err)
	}
}

// refresh advances the session one tick and rebuilds the shared snapshot.
func (app *App) refresh() {
	select {
	case pw := <-app.pwCh:
		app.sess.SetPassword(pw)
	default:
	}

	st := app.sess.Poll()

	snap := snapshot{
		State:  st.String(),
		Reader: app.sess.Reader(),
		Applet: app.sess.Version(),
	}
	if err := app.sess.Err(); err != nil {
		snap.Error = err.Error()
	}

	if st == session.Ready {
		now := time.Now()
		codes, err := app.sess.Codes(now)
		if err != nil {
			snap.State = app.sess.State().String()
			snap.Error = err.Error()
		} else {
			snap.Codes = codes
			snap.ReadAt = now
		}
	}

	app.mu.Lock()
	app.snap = snap
	app.mu.Unlock()
}

// snapshotNow returns the control loop's latest snapshot.
func (app *App) snapshotNow() snapshot {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.snap
}
