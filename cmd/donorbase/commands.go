package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"donorbase/internal/record"
	"donorbase/internal/registry"
	"donorbase/internal/render"
	"donorbase/internal/service"
)

func (a *app) unifyCmd() *cobra.Command {
	var (
		root     string
		units    int
		database string
	)
	cmd := &cobra.Command{
		Use:   "unify",
		Short: "Merge collection unit files into one sorted, duplicate free database",
		Long: `Merge collection unit files into one sorted, duplicate free database.

Units are read from <root>1.txt to <root>N.txt. Each unit must be sorted by
donor name. When a donor id appears more than once, the record merged first
is kept. Keys ending in .gz are read and written gzip compressed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.setup(cmd.Context()); err != nil {
				return err
			}
			run, err := a.svc.Unify(cmd.Context(), root, units, database)
			if err != nil {
				return err
			}
			return printRun(a.out, run)
		},
	}
	cmd.Flags().StringVarP(&root, "root", "r", "", "units root name")
	cmd.Flags().IntVarP(&units, "units", "n", 0, "number of units")
	cmd.Flags().StringVarP(&database, "database", "d", "", "database to create")
	_ = cmd.MarkFlagRequired("root")
	_ = cmd.MarkFlagRequired("units")
	_ = cmd.MarkFlagRequired("database")
	return cmd
}

func printRun(w io.Writer, run registry.Run) error {
	_, err := fmt.Fprintf(w, "Database %s created from %d units: %d records read, %d written, %d duplicates dropped (run %s)\n",
		run.Database, run.Stats.Sources, run.Stats.Read, run.Stats.Emitted, run.Stats.Duplicates, run.ID)
	if err == nil && run.Stats.Malformed > 0 {
		_, err = fmt.Fprintf(w, "Warning: %d units stopped early on a malformed record\n", run.Stats.Malformed)
	}
	return err
}

func (a *app) matchCmd() *cobra.Command {
	var (
		genes []string
		req   service.MatchRequest
	)
	cmd := &cobra.Command{
		Use:   "match",
		Short: "List donors sharing at least --min genes with the patient",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			query, err := record.NewQuery(genes...)
			if err != nil {
				return err
			}
			req.Query = query
			if err := a.setup(cmd.Context()); err != nil {
				return err
			}
			cands, err := a.svc.Match(cmd.Context(), req)
			if err != nil {
				return err
			}
			return render.Candidates(a.out, cands, query)
		},
	}
	cmd.Flags().StringSliceVarP(&genes, "gene", "g", nil, "patient gene sequences, five in order (repeat or comma separate)")
	cmd.Flags().IntVarP(&req.MinMatches, "min", "m", record.GeneCount, "minimal number of matching genes")
	cmd.Flags().StringVarP(&req.Database, "database", "d", "", "database to search")
	cmd.Flags().StringVar(&req.RunID, "run", "", "search the donors registered by this run instead of a file")
	_ = cmd.MarkFlagRequired("gene")
	cmd.MarkFlagsOneRequired("database", "run")
	cmd.MarkFlagsMutuallyExclusive("database", "run")
	return cmd
}

func (a *app) runsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List registered unify runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.setup(cmd.Context()); err != nil {
				return err
			}
			runs, err := a.svc.Runs(cmd.Context())
			if err != nil {
				return err
			}
			return render.Runs(a.out, runs)
		},
	}
}

func (a *app) blobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "blobs [prefix]",
		Short: "List unit files and databases in the blob store",
		Long: `List unit files and databases in the blob store whose key starts with prefix.

With the fs driver an absolute prefix lists the directory it names.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd.Context()); err != nil {
				return err
			}
			var prefix string
			if len(args) == 1 {
				prefix = args[0]
			}
			infos, err := a.svc.Blobs(cmd.Context(), prefix)
			if err != nil {
				return err
			}
			return render.Blobs(a.out, infos)
		},
	}
}
