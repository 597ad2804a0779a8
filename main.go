package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		// cli.Exit errors have already been printed and exited
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitError)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "mivaa-probe",
		Usage: "submit, watch and verify MIVAA document processing jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env", Value: ".env", Usage: "env file to load (missing is fine)"},
			&cli.StringFlag{Name: "profile", Usage: "YAML deployment profile"},
			&cli.StringFlag{Name: "transport", Usage: "direct or gateway (overrides MIVAA_TRANSPORT)"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
			&cli.StringFlag{Name: "log-format", Usage: "text or json"},
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "submit URLs, wait for the job and print its result",
				ArgsUsage: "[url...]",
				Flags: append(append([]cli.Flag{
					urlFlag(),
					&cli.BoolFlag{Name: "no-fetch", Usage: "do not fetch chunks and images after completion"},
				}, optionFlags()...), pollFlags()...),
				Action: withApp(runAction),
			},
			{
				Name:      "submit",
				Usage:     "submit URLs and print the job id",
				ArgsUsage: "[url...]",
				Flags:     append([]cli.Flag{urlFlag()}, optionFlags()...),
				Action:    withApp(submitAction),
			},
			{
				Name:      "status",
				Usage:     "show the current status of a job",
				ArgsUsage: "<job-id>",
				Action:    withApp(statusAction),
			},
			{
				Name:      "wait",
				Usage:     "poll a job until it finishes",
				ArgsUsage: "<job-id>",
				Flags:     pollFlags(),
				Action:    withApp(waitAction),
			},
			{
				Name:      "result",
				Usage:     "fetch the chunks and images of a job or document",
				ArgsUsage: "<job-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "document", Aliases: []string{"d"}, Usage: "fetch by document id instead of job id"},
				},
				Action: withApp(resultAction),
			},
			{
				Name:      "probe",
				Usage:     "show which response paths a deployment uses for a job",
				ArgsUsage: "<job-id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "raw", Usage: "also print the raw status body"},
				},
				Action: withApp(probeAction),
			},
			{
				Name:      "search",
				Usage:     "run a semantic search",
				ArgsUsage: "<query>",
				Flags: []cli.Flag{
					limitFlag(5),
					&cli.StringFlag{Name: "document", Aliases: []string{"d"}, Usage: "restrict to one document (MIVAA search only)"},
					&cli.BoolFlag{Name: "rpc", Usage: "embed with Gemini and call the Supabase vector RPC instead"},
					&cli.BoolFlag{Name: "anon", Usage: "call the RPC with the anon key, as the browser does"},
					&cli.StringFlag{Name: "user", Usage: "filter_user_id for the RPC"},
					&cli.IntFlag{Name: "expect-page", Usage: "fail unless a hit comes from this page"},
				},
				Action: withApp(searchAction),
			},
			{
				Name:  "products",
				Usage: "product extraction from processed documents",
				Commands: []*cli.Command{
					{
						Name:      "create",
						Usage:     "classify a document's chunks into products and list the resulting rows",
						ArgsUsage: "<document-id>",
						Flags: []cli.Flag{
							limitFlag(50),
							&cli.StringFlag{Name: "workspace", Usage: "workspace id the products belong to"},
							&cli.IntFlag{Name: "max-products", Usage: "stop after this many products (0 for no limit)"},
							&cli.IntFlag{Name: "min-chunk-length", Value: 100, Usage: "ignore chunks shorter than this"},
							&cli.DurationFlag{Name: "timeout", Value: 5 * time.Minute, Usage: "HTTP timeout for the classification call"},
						},
						Action: withApp(productsCreateAction),
					},
				},
			},
			{
				Name:   "health",
				Usage:  "check MIVAA, Supabase, Gemini and Postgres connectivity",
				Action: withApp(healthAction),
			},
			{
				Name:  "docs",
				Usage: "inspect the documents table",
				Commands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "list documents with their chunk counts",
						Flags:  []cli.Flag{limitFlag(50)},
						Action: withApp(docsListAction),
					},
					{
						Name:      "show",
						Usage:     "show one document (the latest when no id is given)",
						ArgsUsage: "[document-id]",
						Flags:     []cli.Flag{limitFlag(10)},
						Action:    withApp(docsShowAction),
					},
				},
			},
			{
				Name:  "embeddings",
				Usage: "count chunks with and without embeddings",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "document", Aliases: []string{"d"}, Usage: "restrict to one document"},
					&cli.BoolFlag{Name: "dims", Usage: "also check stored vector dimensions (needs DATABASE_URL)"},
				},
				Action: withApp(embeddingsAction),
			},
			{
				Name:  "jobs",
				Usage: "inspect the platform job queue",
				Commands: []*cli.Command{
					{
						Name:  "list",
						Usage: "list jobs, newest first",
						Flags: []cli.Flag{
							limitFlag(20),
							&cli.StringFlag{Name: "status", Usage: "only jobs in this status"},
						},
						Action: withApp(jobsListAction),
					},
					{
						Name:  "reset",
						Usage: "requeue processing/failed jobs and errored documents",
						Flags: []cli.Flag{
							&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "apply the reset (dry run otherwise)"},
						},
						Action: withApp(jobsResetAction),
					},
				},
			},
			{
				Name:  "chunks",
				Usage: "look at stored chunks",
				Commands: []*cli.Command{
					{
						Name:      "grep",
						Usage:     "find chunks containing a phrase (case-insensitive)",
						ArgsUsage: "<pattern>",
						Flags:     []cli.Flag{limitFlag(10)},
						Action:    withApp(chunksGrepAction),
					},
					{
						Name:      "page",
						Usage:     "print the chunks of one page",
						ArgsUsage: "<page>",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "document", Aliases: []string{"d"}, Usage: "restrict to one document"},
						},
						Action: withApp(chunksPageAction),
					},
				},
			},
			{
				Name:  "tables",
				Usage: "sample arbitrary tables",
				Commands: []*cli.Command{
					{
						Name:      "sample",
						Usage:     "print a few rows of each table (documents and users by default)",
						ArgsUsage: "[table...]",
						Flags:     []cli.Flag{limitFlag(10)},
						Action:    withApp(tablesSampleAction),
					},
				},
			},
			{
				Name:  "pdf",
				Usage: "local pre-flight checks on source files",
				Commands: []*cli.Command{
					{
						Name:      "inspect",
						Usage:     "validate files and estimate what MIVAA should produce",
						ArgsUsage: "<file...>",
						Flags:     chunkPolicyFlags(),
						Action:    withApp(pdfInspectAction),
					},
					{
						Name:      "verify",
						Usage:     "download a stored document and compare it with the processed result",
						ArgsUsage: "[document-id]",
						Flags: append([]cli.Flag{
							&cli.StringFlag{Name: "bucket", Usage: "storage bucket (overrides SUPABASE_STORAGE_BUCKET)"},
							&cli.StringFlag{Name: "job", Usage: "MIVAA job id to compare counters with"},
						}, chunkPolicyFlags()...),
						Action: withApp(pdfVerifyAction),
					},
				},
			},
			{
				Name:  "db",
				Usage: "direct Postgres checks (needs DATABASE_URL)",
				Commands: []*cli.Command{
					{
						Name:  "stats",
						Usage: "chunk counts, lengths and vector dimensions",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "document", Aliases: []string{"d"}, Usage: "restrict to one document"},
						},
						Action: withApp(dbStatsAction),
					},
					{
						Name:      "nearest",
						Usage:     "rank chunks by cosine distance to a query",
						ArgsUsage: "<query>",
						Flags: []cli.Flag{
							limitFlag(5),
							&cli.IntFlag{Name: "expect-page", Usage: "fail unless a hit comes from this page"},
						},
						Action: withApp(dbNearestAction),
					},
				},
			},
		},
	}
}
