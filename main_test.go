package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"mivaa-probe/config"
	"mivaa-probe/mivaa"
	"mivaa-probe/report"
)

// parse runs a throwaway command with flags and hands the parsed command
// to inspect.
func parse(t *testing.T, flags []cli.Flag, args []string, inspect func(cmd *cli.Command)) {
	t.Helper()
	cmd := &cli.Command{
		Name:  "test",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			inspect(cmd)
			return nil
		},
	}
	require.NoError(t, cmd.Run(context.Background(), append([]string{"test"}, args...)))
}

func TestOptionsFromFlags_Unset(t *testing.T) {
	size := 800
	base := mivaa.ProcessingOptions{ChunkSize: &size}

	var got mivaa.ProcessingOptions
	parse(t, optionFlags(), nil, func(cmd *cli.Command) {
		got = optionsFromFlags(cmd, base)
	})
	assert.Nil(t, got.ExtractImages)
	assert.Nil(t, got.GenerateEmbeddings)
	assert.Nil(t, got.ExtractTables)
	require.NotNil(t, got.ChunkSize)
	assert.Equal(t, 800, *got.ChunkSize)
}

func TestOptionsFromFlags_Set(t *testing.T) {
	var got mivaa.ProcessingOptions
	parse(t, optionFlags(), []string{"--no-images", "--tables", "--chunk-size", "500", "--chunk-overlap", "50"}, func(cmd *cli.Command) {
		got = optionsFromFlags(cmd, mivaa.ProcessingOptions{})
	})
	require.NotNil(t, got.ExtractImages)
	assert.False(t, *got.ExtractImages)
	require.NotNil(t, got.ExtractTables)
	assert.True(t, *got.ExtractTables)
	assert.Nil(t, got.GenerateEmbeddings)
	assert.Equal(t, 500, *got.ChunkSize)
	assert.Equal(t, 50, *got.ChunkOverlap)
}

func TestPolicyFromFlags(t *testing.T) {
	base := mivaa.DefaultPolicy()

	var got mivaa.Policy
	parse(t, pollFlags(), []string{"--interval", "250ms", "--not-found-grace", "2"}, func(cmd *cli.Command) {
		got = policyFromFlags(cmd, base)
	})
	assert.Equal(t, 250*time.Millisecond, got.Interval)
	assert.Equal(t, base.MaxAttempts, got.MaxAttempts)
	assert.Equal(t, 2, got.NotFoundGrace)
}

func TestSourceURLs(t *testing.T) {
	var got []string
	parse(t, []cli.Flag{urlFlag()}, []string{"-u", "https://a.example/x.pdf", "https://b.example/y.pdf"}, func(cmd *cli.Command) {
		got = sourceURLs(cmd)
	})
	assert.Equal(t, []string{"https://a.example/x.pdf", "https://b.example/y.pdf"}, got)
}

func TestChunkPolicyDefaults(t *testing.T) {
	parse(t, chunkPolicyFlags(), nil, func(cmd *cli.Command) {
		p := chunkPolicy(cmd)
		assert.Equal(t, 1000, p.Size)
		assert.Equal(t, 100, p.Overlap)
	})
}

func TestOutcomeErr(t *testing.T) {
	assert.NoError(t, outcomeErr(mivaa.Result{State: mivaa.StateCompleted}))

	for _, state := range []mivaa.State{mivaa.StateFailed, mivaa.StateTimedOut, mivaa.StateNotFound} {
		err := outcomeErr(mivaa.Result{Handle: mivaa.JobHandle{ID: "job-1"}, State: state})
		var exit cli.ExitCoder
		require.ErrorAs(t, err, &exit, state)
		assert.Equal(t, exitJobOutcome, exit.ExitCode())
		assert.Contains(t, err.Error(), string(state))
	}
}

func TestRankOfPage(t *testing.T) {
	hits := []mivaa.SearchHit{{PageNumber: 3}, {PageNumber: 95}, {PageNumber: 95}}
	assert.Equal(t, 2, rankOfPage(hits, 95))
	assert.Equal(t, 0, rankOfPage(hits, 7))
	assert.Equal(t, 0, rankOfPage(nil, 1))
}

func TestPageList(t *testing.T) {
	assert.Equal(t, "1, 2, 3", pageList([]int{1, 2, 3}))

	many := make([]int, 25)
	for i := range many {
		many[i] = i + 1
	}
	assert.Contains(t, pageList(many), "20, ... (+5)")
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "12345678", shortID("123456789abc"))
	assert.Equal(t, "abc", shortID("abc"))
}

func TestNewCommand_Tree(t *testing.T) {
	root := newCommand()
	for _, path := range [][]string{
		{"run"}, {"submit"}, {"status"}, {"wait"}, {"result"}, {"probe"}, {"search"}, {"health"},
		{"docs", "list"}, {"docs", "show"}, {"embeddings"}, {"jobs", "list"}, {"jobs", "reset"},
		{"chunks", "grep"}, {"chunks", "page"}, {"tables", "sample"},
		{"pdf", "inspect"}, {"pdf", "verify"}, {"db", "stats"}, {"db", "nearest"}, {"products", "create"},
	} {
		cmd := root
		for _, name := range path {
			cmd = cmd.Command(name)
			require.NotNil(t, cmd, path)
		}
		assert.NotNil(t, cmd.Action, path)
	}
}

func testApp(cfg *config.Config) (*app, *bytes.Buffer) {
	var buf bytes.Buffer
	return &app{cfg: cfg, log: slog.New(slog.NewTextHandler(io.Discard, nil)), out: report.New(&buf)}, &buf
}

func TestHealth_AnonFailureFailsCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":"PGRST301","message":"JWT expired"}`))
	}))
	defer server.Close()

	// only the anon check has credentials, everything else is skipped
	a, out := testApp(&config.Config{Transport: config.TransportDirect, SupabaseURL: server.URL, AnonKey: "anon-key"})
	err := healthAction(context.Background(), nil, a)

	var exit cli.ExitCoder
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, exitError, exit.ExitCode())
	assert.Contains(t, out.String(), "anon query failed")
}

func TestProductsCreate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/products/create-from-chunks":
			w.Write([]byte(`{"success":true,"products_created":2,"products_failed":0,"chunks_processed":40,"total_chunks":42,"stage1_candidates":4,"total_time":12.5}`))
		case "/rest/v1/products":
			assert.Equal(t, "eq.doc-1", r.URL.Query().Get("source_document_id"))
			w.Write([]byte(`[{"id":"p1","name":"FOLD","source_document_id":"doc-1","description":"porcelain tile"}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	a, out := testApp(&config.Config{
		Transport:   config.TransportDirect,
		MivaaURL:    server.URL,
		SupabaseURL: server.URL,
		ServiceKey:  "service-key",
		HTTPTimeout: time.Second,
		Poll:        mivaa.DefaultPolicy(),
	})
	create := newCommand().Command("products").Command("create")
	require.NotNil(t, create)

	var err error
	parse(t, create.Flags, []string{"--workspace", "ws-1", "doc-1"}, func(cmd *cli.Command) {
		err = productsCreateAction(context.Background(), cmd, a)
	})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, a.cfg.HTTPTimeout)
	assert.Contains(t, out.String(), "products created: 2")
	assert.Contains(t, out.String(), "Stage 2 success:    50.0%")
	assert.Contains(t, out.String(), "1. FOLD")
	assert.Contains(t, out.String(), "service reported 2 products created but 1 rows exist")
}
