package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/session"
	"github.com/zulandar/switchboard/internal/switchboard"
	"golang.org/x/term"
)

func newChatCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
		message    string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent from the terminal",
		Long: `Sends prompts to the agent and prints replies, tool calls and notices as
they settle. With --message a single prompt is sent and the command exits
when the run ends. Interactive commands: /new starts a new session, /quit exits.
Ctrl-C aborts the running prompt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, configPath, sessionID, message, verbose)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "continue an existing session")
	cmd.Flags().StringVarP(&message, "message", "m", "", "send one prompt and exit")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show switchboard logs")
	return cmd
}

func runChat(cmd *cobra.Command, configPath, sessionID, message string, verbose bool) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)

	logOut := io.Discard
	if verbose {
		logOut = cmd.ErrOrStderr()
	}
	prev := log.Writer()
	log.SetOutput(logOut)
	defer log.SetOutput(prev)

	store, err := openStore(cfg, gormDB)
	if err != nil {
		return err
	}
	defer store.Close()

	if sessionID != "" {
		if _, ok := store.Get(sessionID); !ok {
			return fmt.Errorf("session %s not found", sessionID)
		}
	}

	sb, err := newSwitchboard(cfg, store, gormDB, logOut)
	if err != nil {
		return err
	}
	defer sb.Close()

	view := newChatView(out, terminalWidth(out))
	view.attach(store, sessionID)
	cancel := sb.OnSessionsChanged(view.update)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	defer signal.Stop(sigCh)

	send := func(text string) error {
		if strings.TrimSpace(text) == "" {
			return switchboard.ErrEmptyPrompt
		}
		if view.session() == "" {
			sess, err := store.Create("")
			if err != nil {
				return err
			}
			view.attach(store, sess.ID)
		}
		started := time.Now()
		runID, err := sb.Send(context.Background(), text, view.session())
		if err != nil {
			return err
		}
		view.follow(runID, started)

		done := make(chan struct{})
		go func() {
			sb.Wait(context.Background(), runID)
			close(done)
		}()
		select {
		case <-done:
		case <-sigCh:
			sb.Abort(runID)
			<-done
		}
		// The run record names the session the run ended on.
		if run, err := db.GetRun(gormDB, runID); err == nil {
			view.setSession(run.SessionID)
		}
		if sess, ok := store.Get(view.session()); ok {
			view.render(sess)
		}
		return nil
	}

	if message != "" {
		return send(message)
	}

	in := cmd.InOrStdin()
	interactive := isTerminal(in)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		if interactive {
			fmt.Fprint(out, "> ")
		}
		var line string
		var ok bool
		select {
		case line, ok = <-lines:
		case <-sigCh:
			fmt.Fprintln(out)
			return nil
		}
		if !ok {
			return nil
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			view.attach(store, "")
			fmt.Fprintln(out, "(new session)")
			continue
		}

		if err := send(line); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		if interactive {
			view.rule()
		}
	}
}

// chatView prints settled messages of the followed session once each.
type chatView struct {
	out   io.Writer
	width int

	mu        sync.Mutex
	sessionID string
	runID     string
	since     time.Time
	printed   map[string]bool
}

func newChatView(out io.Writer, width int) *chatView {
	return &chatView{out: out, width: width, printed: make(map[string]bool)}
}

// attach follows sessionID and treats its existing history as printed.
func (v *chatView) attach(store *session.Store, sessionID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sessionID = sessionID
	v.runID = ""
	v.printed = make(map[string]bool)
	if sess, ok := store.Get(sessionID); ok {
		for _, m := range sess.Messages {
			v.printed[m.ID] = true
		}
	}
}

func (v *chatView) session() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sessionID
}

// follow tracks runID. Messages older than since are history and are not
// printed, even when a merge brings them into the followed session.
func (v *chatView) follow(runID string, since time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.runID = runID
	v.since = since
}

func (v *chatView) setSession(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sessionID = id
}

// update is the session change callback.
func (v *chatView) update(list []session.Session) {
	v.mu.Lock()
	runID, sessionID := v.runID, v.sessionID
	v.mu.Unlock()

	for i := range list {
		s := list[i]
		if (runID != "" && s.ActiveRunID == runID) || s.ID == sessionID {
			v.render(s)
			return
		}
	}
}

// render prints messages of sess that have settled since the last call.
// The session the run is bound to becomes the followed session.
func (v *chatView) render(sess session.Session) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sessionID = sess.ID
	for _, m := range sess.Messages {
		if m.IsStreaming || v.printed[m.ID] || m.Timestamp.Before(v.since) {
			continue
		}
		v.printed[m.ID] = true
		if m.Role == session.RoleUser {
			continue
		}
		fmt.Fprintln(v.out, formatMessage(m))
	}
}

// rule prints a separator between turns.
func (v *chatView) rule() {
	fmt.Fprintln(v.out, strings.Repeat("─", min(v.width, 60)))
}

func formatMessage(m session.Message) string {
	switch m.Role {
	case session.RoleAssistant:
		return m.Text
	case session.RoleTool:
		return "  ⚙ " + m.Text
	case session.RoleError:
		return "✗ " + m.Text
	case session.RoleSystem:
		return "· " + m.Text
	}
	return m.Text
}

func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// terminalWidth returns the width of out when it is a terminal, else 80.
func terminalWidth(out io.Writer) int {
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			return w
		}
	}
	return 80
}
