package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"dealflow/internal/app"
	"dealflow/internal/autosave"
	"dealflow/internal/domain"
	"dealflow/internal/engine"
	"dealflow/internal/form"
)

const editHelp = `  field=value   edit a field (autosaved after a short pause; empty value clears)
  show          print the deal with unsaved edits applied
  ready         list what the current stage still needs
  save          save everything now and advance if the stage is complete
  quit          save pending edits and exit`

func dealEditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit a deal interactively with autosave",
		Long:  "Opens a prompt on the deal. Edits are saved in the background the way the field screens do it.\n" + editHelp,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor engine.Actor) error {
				d, err := a.Engine.Get(ctx, actor, args[0])
				if err != nil {
					return err
				}
				s := newEditSession(a, actor, d, os.Stdout)
				return s.run(ctx, os.Stdin)
			})
		},
	}
}

type editSession struct {
	out      io.Writer
	state    *form.State
	updater  engine.DealUpdater
	autosave *autosave.Scheduler
}

func newEditSession(a *app.App, actor engine.Actor, d domain.Deal, out io.Writer) *editSession {
	s := &editSession{out: out, state: form.New(d), updater: a.Engine.Updater(actor)}
	opts := a.Config.AutosaveOptions()
	opts.Logger = log.New(os.Stderr, "df edit: ", log.LstdFlags)
	opts.OnState = func(key string, st autosave.State, err error) {
		if st == autosave.StateFailed {
			fmt.Fprintf(s.out, "! could not save %s: %v\n", key, err)
		}
	}
	s.autosave = autosave.New(func(ctx context.Context, key string, p domain.Patch) error {
		saved, err := s.updater.Update(ctx, d.ID, p)
		if err != nil {
			return err
		}
		s.state.Saved(saved, p)
		return nil
	}, opts)
	return s
}

func (s *editSession) run(ctx context.Context, in io.Reader) error {
	defer s.autosave.Stop()
	fmt.Fprintf(s.out, "editing %s (%s)\n%s\n", s.state.Persisted.ID, s.state.Stage(), editHelp)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(s.out, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			break
		}
		if err := s.handle(ctx, line); err != nil {
			fmt.Fprintf(s.out, "! %v\n", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return s.autosave.Flush(ctx)
}

func (s *editSession) handle(ctx context.Context, line string) error {
	switch line {
	case "show":
		return printJSON(s.state.Merged())
	case "ready":
		ok, missing := s.state.Ready()
		if ok {
			fmt.Fprintf(s.out, "%s is complete\n", s.state.Stage())
			return nil
		}
		for _, r := range missing {
			fmt.Fprintf(s.out, "  - %s\n", r.Label)
		}
		return nil
	case "save":
		return s.save(ctx)
	}
	patch, err := parseSets([]string{line})
	if err != nil {
		return err
	}
	if err := s.state.Edit(patch); err != nil {
		return err
	}
	if n := s.state.Notice; n != nil {
		fmt.Fprintf(s.out, "  note: %s\n", n.Message)
		s.state.ClearNotice()
	}
	return s.autosave.EditFields(patch)
}

func (s *editSession) save(ctx context.Context) error {
	before := s.state.Stage()
	if err := s.autosave.Flush(ctx); err != nil {
		return err
	}
	d, err := s.state.SaveAndContinue(ctx, s.updater)
	var busy form.FieldBusyError
	if errors.As(err, &busy) {
		return fmt.Errorf("%w; try again", err)
	}
	if err != nil {
		return err
	}
	if d.Status != before {
		fmt.Fprintf(s.out, "%s -> %s\n", before, d.Status)
	} else {
		fmt.Fprintf(s.out, "saved (%s)\n", d.Status)
	}
	return nil
}
