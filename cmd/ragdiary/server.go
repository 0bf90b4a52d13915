package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/ragdiary/internal/api"
	"github.com/kalambet/ragdiary/internal/blobstore"
	"github.com/kalambet/ragdiary/internal/config"
	"github.com/kalambet/ragdiary/internal/diary"
	"github.com/kalambet/ragdiary/internal/diarycache"
	"github.com/kalambet/ragdiary/internal/engine"
	"github.com/kalambet/ragdiary/internal/ingest"
	"github.com/kalambet/ragdiary/internal/pipeline"
	"github.com/kalambet/ragdiary/internal/proxy"
	"github.com/kalambet/ragdiary/internal/reranking"
	"github.com/kalambet/ragdiary/internal/retrieval"
	"github.com/kalambet/ragdiary/internal/semgroup"
	"github.com/kalambet/ragdiary/internal/storage"
	"github.com/kalambet/ragdiary/internal/timeparse"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the ragdiary server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running ragdiary server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ragdiary system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", true, "serve MCP over stdin/stdout")
}

// pluginFiles are the plugin-local files read at startup.
type pluginFiles struct {
	tags        string
	vectorCache string
	groups      string
	groupsEdit  string
	groupBlobs  string
	rerankEnv   string
}

func pluginPaths(dir string) pluginFiles {
	return pluginFiles{
		tags:        filepath.Join(dir, "rag_tags.json"),
		vectorCache: filepath.Join(dir, "vector_cache.json"),
		groups:      filepath.Join(dir, "semantic_groups.json"),
		groupsEdit:  filepath.Join(dir, "semantic_groups.edit.json"),
		groupBlobs:  filepath.Join(dir, "semantic_vectors"),
		rerankEnv:   filepath.Join(dir, "config.env"),
	}
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "ragdiary.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func logLevel(s string) slog.Level {
	if strings.EqualFold(s, "debug") {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// groupBlobStore picks where semantic group vectors live.
func groupBlobStore(backend, dir string, store *storage.Store) (blobstore.Store, error) {
	if backend == "sqlite" {
		return store.Blobs(), nil
	}
	return blobstore.NewFileStore(dir)
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "ragdiary version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	// Ensure API token exists in platform secret store.
	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("ragdiary is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("ragdiary is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.Detect(engine.DetectConfig{
		Provider: cfg.Embedding.Provider,
		BaseURL:  cfg.Embedding.BaseURL,
		APIKey:   cfg.Embedding.APIKey,
	})
	if err != nil {
		return fmt.Errorf("detecting embedding backend: %w", err)
	}
	if err := engine.EnsureReady(ctx, eng, cfg.Embedding.Model, os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	if err := os.MkdirAll(cfg.Storage.DiaryRoot, 0o755); err != nil {
		return fmt.Errorf("creating diary root: %w", err)
	}
	if err := os.MkdirAll(cfg.Storage.PluginDir, 0o755); err != nil {
		return fmt.Errorf("creating plugin dir: %w", err)
	}
	paths := pluginPaths(cfg.Storage.PluginDir)

	embedder := retrieval.NewEmbedder(eng, cfg.Embedding.Model)
	vectorStore := retrieval.NewSQLiteStore(store.DB())
	retriever := retrieval.NewRetriever(embedder, vectorStore)
	diaries := diary.NewStore(cfg.Storage.DiaryRoot)
	parser := timeparse.New(timeparse.Beijing)

	tags := diarycache.NewReloader(paths.tags, paths.vectorCache, embedder, cfg.Retrieval.DefaultThreshold)
	if _, err := tags.Refresh(ctx); err != nil {
		slog.Warn("diary tag vectors unavailable, using name similarity only", "error", err)
	}

	blobs, err := groupBlobStore(cfg.Groups.VectorBackend, paths.groupBlobs, store)
	if err != nil {
		return fmt.Errorf("opening group vector store: %w", err)
	}
	groups := semgroup.NewManager(semgroup.Options{
		Path:     paths.groups,
		EditPath: paths.groupsEdit,
		Blobs:    blobs,
		Embedder: embedder,
	})
	if err := groups.Initialize(ctx); err != nil {
		slog.Warn("semantic groups initialization failed", "error", err)
	}

	rerankSettings := config.NewRerankSource(paths.rerankEnv)
	orchestrator := pipeline.New(pipeline.Deps{
		Embedder:       embedder,
		Searcher:       retriever,
		Diaries:        diaries,
		Time:           parser,
		Groups:         groups,
		Tags:           func() pipeline.TagVectors { return tags.Current() },
		Reranker:       reranking.NewHTTPReranker(rerankSettings),
		RerankSettings: rerankSettings,
		Merge: pipeline.Policy{
			Cap:   cfg.Retrieval.MaxMerged,
			Floor: cfg.Retrieval.SemanticFloor,
			Ratio: cfg.Retrieval.SemanticRatio,
		},
	})

	// Build HTTP handler and server.
	proxyClient, err := proxy.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.APIKey, cfg.Upstream.DefaultModel)
	if err != nil {
		return err
	}
	openaiHandler := api.NewOpenAIHandler(proxyClient, orchestrator)
	appHandler := api.NewAppHandler(api.AppDeps{
		Diaries:   diaries,
		Groups:    groups,
		Processor: orchestrator,
		Time:      parser,
		Jobs:      store,
		Chunks:    vectorStore,
		Queue:     store,
		Token:     apiToken,
	})

	// OpenAI-compatible routes are unauthenticated, like the upstream they
	// stand in for; everything else needs the bearer token.
	topRouter := chi.NewRouter()
	topRouter.Handle("/health", openaiHandler)
	topRouter.Handle("/v1/*", openaiHandler)
	topRouter.Mount("/", appHandler)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: topRouter,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	// Keep the diary index and tag vectors current.
	indexer := ingest.NewIndexer(diaries, store, embedder, vectorStore,
		retrieval.NewChunker(cfg.Ingest.ChunkTokens, cfg.Ingest.OverlapTokens))
	worker := ingest.NewWorker(store, indexer, 500*time.Millisecond, cfg.Ingest.RescanInterval())
	go worker.Run(ctx)
	go tags.Run(ctx, cfg.Ingest.RescanInterval())

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Diaries:   diaries,
			Retriever: retriever,
			Groups:    groups,
			Time:      parser,
			Jobs:      store,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "ragdiary listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("ragdiary is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop ragdiary (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to ragdiary (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	httpClient := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := httpClient.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Embedding", "%s %s (%s)", cfg.Embedding.Provider, cfg.Embedding.BaseURL, cfg.Embedding.Model)
	printStatus("Upstream", "%s", cfg.Upstream.BaseURL)

	if running {
		if token, err := config.GetAPIToken(config.NewKeychain()); err == nil {
			client := &serverClient{base: serverURL, token: token, http: httpClient}
			st, err := fetchStatus(ctx, client)
			switch {
			case err == nil:
				printIndexStatus(st)
			case isUnauthorized(err):
				printWarning("the server rejected the stored API token; restart ragdiary to pick up a new one")
			default:
				printWarning("could not read index status: %v", err)
			}
		}
	}

	printStatus("Diary root", "%s", cfg.Storage.DiaryRoot)
	printStatus("Plugin dir", "%s", cfg.Storage.PluginDir)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func fetchStatus(ctx context.Context, client *serverClient) (api.StatusResponse, error) {
	var st api.StatusResponse
	err := client.call(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

func printIndexStatus(st api.StatusResponse) {
	printStatus("Diaries", "%d", st.Diaries)
	printStatus("Indexed chunks", "%d", st.Chunks)
	groups := fmt.Sprintf("%d", st.Groups)
	if !st.GroupsReady {
		groups += " (vectors pending)"
	}
	printStatus("Semantic groups", "%s", groups)
	printStatus("Index jobs", "%s", jobLabel(st.PendingJobs, st.FailedJobs))
}

func jobLabel(pending, failed int) string {
	if failed == 0 {
		return fmt.Sprintf("%d pending", pending)
	}
	return fmt.Sprintf("%d pending, %d failed", pending, failed)
}
