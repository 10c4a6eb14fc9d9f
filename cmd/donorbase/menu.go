package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"donorbase/internal/compat"
	"donorbase/internal/record"
	"donorbase/internal/render"
	"donorbase/internal/service"
)

const menuText = `
******* Main Menu *******
1. Unify Database
2. Find Potential Donors
3. Print The List of Potential Donors
4. Exit
`

func (a *app) menuCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "menu",
		Short: "Interactive menu reading answers from standard input",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.setup(cmd.Context()); err != nil {
				return err
			}
			return a.runMenu(cmd.Context())
		},
	}
}

// menu keeps the state of one interactive session. Answers are whitespace
// separated tokens, so several can be given on one line.
type menu struct {
	a     *app
	sc    *bufio.Scanner
	last  []compat.Candidate
	query record.Record
}

// errInputClosed ends the session when standard input runs out.
var errInputClosed = errors.New("input closed")

func (a *app) runMenu(ctx context.Context) error {
	sc := bufio.NewScanner(a.in)
	sc.Split(bufio.ScanWords)
	m := &menu{a: a, sc: sc}
	for {
		a.printf("%s", menuText)
		choice, err := m.ask("Enter Your Selection: ")
		if err != nil {
			a.printf("\n")
			return m.inputErr()
		}
		switch choice {
		case "1":
			err = m.unify(ctx)
		case "2":
			err = m.find(ctx)
		case "3":
			if len(m.last) == 0 {
				a.printf("No potential donors found or the list is empty.\n")
			} else {
				err = render.Candidates(a.out, m.last, m.query)
			}
		case "4":
			a.printf("Exiting program.\n")
			return nil
		default:
			a.printf("Invalid selection. Try again.\n")
		}
		if errors.Is(err, errInputClosed) {
			a.printf("\n")
			return m.inputErr()
		}
		if err != nil {
			a.printf("Error: %v\n", err)
		}
	}
}

func (m *menu) unify(ctx context.Context) error {
	root, err := m.ask("Enter units root name: ")
	if err != nil {
		return err
	}
	n, err := m.askInt("Enter the number of units: ")
	if err != nil {
		return err
	}
	keys, err := service.UnitKeys(root, n)
	if err != nil {
		return err
	}
	db, err := m.ask("Enter the new database name: ")
	if err != nil {
		return err
	}
	run, err := m.a.svc.UnifyKeys(ctx, keys, db)
	if err != nil {
		return err
	}
	return printRun(m.a.out, run)
}

// find replaces the remembered candidate list; a failed search leaves it empty.
func (m *menu) find(ctx context.Context) error {
	m.last, m.query = nil, record.Record{}
	m.a.printf("Enter Genes DNA Sequences:\n")
	genes := make([]string, record.GeneCount)
	for i := range genes {
		g, err := m.ask(fmt.Sprintf("Gene %d: ", i+1))
		if err != nil {
			return err
		}
		genes[i] = g
	}
	minMatch, err := m.askInt("Enter Minimal Match: ")
	if err != nil {
		return err
	}
	db, err := m.ask("Enter The Database Filename: ")
	if err != nil {
		return err
	}
	query, err := record.NewQuery(genes...)
	if err != nil {
		return err
	}
	cands, err := m.a.svc.Match(ctx, service.MatchRequest{Database: db, Query: query, MinMatches: minMatch})
	if err != nil {
		return err
	}
	m.last, m.query = cands, query
	m.a.printf("%d potential donors found.\n", len(cands))
	return nil
}

func (m *menu) ask(prompt string) (string, error) {
	m.a.printf("%s", prompt)
	if !m.sc.Scan() {
		return "", errInputClosed
	}
	return m.sc.Text(), nil
}

func (m *menu) askInt(prompt string) (int, error) {
	s, err := m.ask(prompt)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	return n, nil
}

func (m *menu) inputErr() error {
	if err := m.sc.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}

func (a *app) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(a.out, format, args...)
}
