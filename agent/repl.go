package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"storysync/internal/engine"
	"storysync/internal/vote"
	"storysync/internal/wire"
)

var errQuit = errors.New("quit")

const help = `Type text to replace the current page. Commands:
  /page N          go to page N          /add [N]        add a page (at N)
  /del N           delete page N         /title T        rename the story
  /viewers         who is on which page  /who            list participants
  /show            print the story       /vote           propose saving
  /yes, /no        answer a vote         /finalize G,... [category]
  /cancel          cancel a save or a failed reconnect
  /host            share this story      /start          begin the session (host)
  /end             end or leave
  /kick USER       remove someone (host) /retry          reconnect
  /quit            exit (the session can be resumed for an hour)`

// repl is the line-oriented front end over an engine.
type repl struct {
	e   *engine.Engine
	ctx context.Context

	mu  sync.Mutex
	out io.Writer
}

func newREPL(ctx context.Context, out io.Writer) *repl {
	return &repl{ctx: ctx, out: out}
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format+"\n", args...)
}

func (r *repl) notice(n engine.Notice) {
	r.printf("! %s", n.Text)
}

// watch subscribes to the frames worth echoing. It must run on the loop.
func (r *repl) watch() {
	e := r.e
	name := func(m wire.Message) string {
		if p, ok := e.Lobby().Participant(m.UserID); ok {
			return p.Name()
		}
		if m.Username != "" {
			return m.Username
		}
		return m.UserID
	}
	e.On(wire.TypeInit, func(m wire.Message) {
		r.printf("Connected: %q, %d page(s), %d participant(s).", e.Draft().Title(), e.Draft().Len(), len(m.Participants))
	})
	e.On(wire.TypeUserJoined, func(m wire.Message) { r.printf("+ %s joined", name(m)) })
	e.On(wire.TypeUserLeft, func(m wire.Message) {
		if m.Temporary {
			r.printf("- %s stepped away", name(m))
			return
		}
		r.printf("- %s left", name(m))
	})
	e.On(wire.TypeUserKicked, func(m wire.Message) { r.printf("- %s was removed", m.TargetUserID) })
	e.On(wire.TypeTitleEdit, func(m wire.Message) { r.printf("%s renamed the story to %q", name(m), m.Title) })
	e.On(wire.TypeTextEdit, func(m wire.Message) {
		if m.PageIndex != nil {
			r.printf("%s edited page %d", name(m), *m.PageIndex+1)
		}
	})
	e.On(wire.TypePageAdded, func(m wire.Message) {
		if m.PageIndex != nil {
			r.printf("Page %d added by %s", *m.PageIndex+1, name(m))
		}
	})
	e.On(wire.TypePageDeleted, func(m wire.Message) {
		if m.PageIndex != nil {
			r.printf("Page %d deleted by %s", *m.PageIndex+1, name(m))
		}
	})
	e.On(wire.TypePageViewersResponse, func(m wire.Message) {
		if len(m.PageViewers) == 0 {
			r.printf("Nobody is on a page.")
			return
		}
		for i := 0; i < e.Draft().Len(); i++ {
			var names []string
			for _, v := range m.PageViewers[i] {
				names = append(names, wire.Participant{UserID: v.UserID, Username: v.Username, DisplayName: v.DisplayName}.Name())
			}
			if len(names) > 0 {
				r.printf("  page %d: %s", i+1, strings.Join(names, ", "))
			}
		}
	})
	e.On(wire.TypeVoteInitiated, func(m wire.Message) {
		r.printf("%s wants to save the story. /yes or /no", name(wire.Message{UserID: m.InitiatedBy}))
	})
	e.On(wire.TypeVoteUpdate, func(m wire.Message) {
		r.printf("Votes: %d yes, %d no of %d", m.YesVotes, m.NoVotes, m.TotalParticipants)
	})
	e.On(wire.TypeSessionStarted, func(wire.Message) { r.printf("The session has started.") })
	e.On(wire.TypeSessionEnded, func(m wire.Message) { r.printf("The session has ended.") })
	e.On(wire.TypeReconnectionFailed, func(wire.Message) { r.printf("Type /retry to reconnect or /cancel to work alone.") })
}

// run reads commands until in is exhausted, /quit, or ctx is done.
func (r *repl) run(in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-r.ctx.Done():
				return
			}
		}
	}()
	r.printf("Type /help for commands.")
	for {
		select {
		case <-r.ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := r.exec(line); errors.Is(err, errQuit) {
				return nil
			} else if err != nil {
				r.printf("! %s", err)
			}
		}
	}
}

// exec runs one input line on the engine loop.
func (r *repl) exec(line string) error {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		var err error
		r.e.Do(func() { err = r.e.SendTextEdit(r.e.Pages().Current(), line) })
		return err
	}
	cmd, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "quit", "exit":
		return errQuit
	case "help":
		r.printf("%s", help)
		return nil
	}

	var err error
	r.e.Do(func() { err = r.command(cmd, arg) })
	return err
}

func (r *repl) command(cmd, arg string) error {
	e := r.e
	switch cmd {
	case "page":
		n, err := pageArg(arg)
		if err != nil {
			return err
		}
		return e.SendPageChange(n)
	case "add":
		n := e.Draft().Len()
		if arg != "" {
			var err error
			if n, err = pageArg(arg); err != nil {
				return err
			}
		}
		return e.AddPage(n)
	case "del":
		n, err := pageArg(arg)
		if err != nil {
			return err
		}
		return e.DeletePage(n)
	case "title":
		return e.SendTitleEdit(arg)
	case "viewers":
		return e.RequestPageViewers()
	case "vote":
		return e.InitiateVote()
	case "yes", "no":
		return e.VoteToSave(cmd == "yes")
	case "finalize":
		genres, category, _ := strings.Cut(arg, " ")
		var list []string
		for _, g := range strings.Split(genres, ",") {
			if g = strings.TrimSpace(g); g != "" {
				list = append(list, g)
			}
		}
		return e.Finalize(list, strings.TrimSpace(category))
	case "cancel":
		if e.Vote().Phase() == vote.Finalizing {
			return e.CancelFinalize()
		}
		e.Cancel()
		return nil
	case "host":
		s, err := e.CreateSession(r.ctx)
		if err != nil {
			return err
		}
		r.printf("Session created. Join code: %s", s.JoinCode)
		return nil
	case "start":
		return e.StartSession(r.ctx)
	case "end":
		return e.EndSession(r.ctx)
	case "kick":
		if arg == "" {
			return errors.New("usage: /kick USER")
		}
		return e.Kick(r.ctx, arg)
	case "retry":
		e.Retry()
		return nil
	case "who":
		r.who()
		return nil
	case "show":
		r.show()
		return nil
	}
	return fmt.Errorf("unknown command /%s (try /help)", cmd)
}

func (r *repl) who() {
	e := r.e
	ps := e.Lobby().Participants()
	if len(ps) == 0 {
		r.printf("Working alone (%s).", e.Lobby().State())
		return
	}
	for _, p := range ps {
		line := "  " + p.Name()
		if p.Role == wire.RoleHost {
			line += " (host)"
		}
		if !p.IsActive {
			line += " [away]"
		}
		if rec, ok := e.Presence().Record(p.UserID); ok && rec.Activity != "" && rec.Activity != wire.ActivityIdle {
			line += " " + string(rec.Activity)
		}
		r.printf("%s", line)
	}
}

func (r *repl) show() {
	d := r.e.Draft()
	r.printf("%s", d.Title())
	for i, p := range d.Pages() {
		marker := " "
		if i == r.e.Pages().Current() {
			marker = ">"
		}
		r.printf("%s %d. %s", marker, i+1, p.Text)
	}
	if t := r.e.Vote().Tally(); r.e.Vote().Phase() != vote.None {
		r.printf("Vote %s: %d yes, %d no of %d", r.e.Vote().Phase(), t.Yes, t.No, t.Total)
	}
}

// pageArg converts a 1-based page number to an index.
func pageArg(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("want a page number, got %q", arg)
	}
	return n - 1, nil
}
