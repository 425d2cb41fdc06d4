package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"fastgen-go/backend"
	"fastgen-go/fastgen"
	"fastgen-go/server"
)

var serveFlags struct {
	addr          string
	backendName   string
	modelPath     string
	modelURL      string
	tokenizerPath string
	vocabSize     int
	eos           int
	numBlocks     int
	blockSize     int
	tokenBudget   int
	maxSeqs       int
	maxModelLen   int
	prefixCache   bool
	preemption    string
	maxInflight   int64
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP serving endpoint",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveFlags.addr, "addr", ":8080", "listen address")
	f.StringVar(&serveFlags.backendName, "backend", "stub", "step executor backend (stub, onnx, http)")
	f.StringVar(&serveFlags.modelPath, "model", "", "model path for the onnx backend")
	f.StringVar(&serveFlags.modelURL, "model-url", "", "model server URL for the http backend")
	f.StringVar(&serveFlags.tokenizerPath, "tokenizer", "", "tokenizer.json path; mock tokenizer when empty")
	f.IntVar(&serveFlags.vocabSize, "vocab-size", 32000, "vocabulary size")
	f.IntVar(&serveFlags.eos, "eos", 2, "end-of-sequence token id")
	f.IntVar(&serveFlags.numBlocks, "num-blocks", 1024, "KV cache pool size in blocks")
	f.IntVar(&serveFlags.blockSize, "block-size", 16, "tokens per KV cache block")
	f.IntVar(&serveFlags.tokenBudget, "token-budget", 2048, "per-tick batched token budget")
	f.IntVar(&serveFlags.maxSeqs, "max-seqs", 256, "max sequences per batch")
	f.IntVar(&serveFlags.maxModelLen, "max-model-len", 4096, "max tokens per sequence")
	f.BoolVar(&serveFlags.prefixCache, "prefix-caching", false, "enable identical-prefix block sharing")
	f.StringVar(&serveFlags.preemption, "preemption", string(fastgen.PreemptLastStarted), "preemption policy (last-started, first-started)")
	f.Int64Var(&serveFlags.maxInflight, "max-inflight", 512, "max concurrently served requests")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logrus.WithField("component", "serve")

	cfg, err := fastgen.NewConfig(
		fastgen.WithNumBlocks(serveFlags.numBlocks),
		fastgen.WithBlockSize(serveFlags.blockSize),
		fastgen.WithMaxNumBatchedTokens(serveFlags.tokenBudget),
		fastgen.WithMaxNumSeqs(serveFlags.maxSeqs),
		fastgen.WithMaxModelLen(serveFlags.maxModelLen),
		fastgen.WithEOS(serveFlags.eos),
		fastgen.WithPrefixCaching(serveFlags.prefixCache),
		fastgen.WithPreemptionPolicy(fastgen.PreemptionPolicy(serveFlags.preemption)),
	)
	if err != nil {
		return err
	}

	executor, err := buildExecutor()
	if err != nil {
		return err
	}
	defer executor.Close()

	tok, err := buildTokenizer()
	if err != nil {
		return err
	}

	engine := fastgen.NewEngine(cfg, executor, tok, logrus.WithField("component", "engine"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engineDone := make(chan error, 1)
	go func() { engineDone <- engine.Run(ctx) }()

	srv := server.New(engine, logrus.WithField("component", "server"), serveFlags.maxInflight)
	httpSrv := &http.Server{Addr: serveFlags.addr, Handler: srv.Routes()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	log.WithFields(logrus.Fields{
		"addr":    serveFlags.addr,
		"backend": executor.Name(),
		"blocks":  cfg.NumBlocks,
		"budget":  cfg.MaxNumBatchedTokens,
	}).Info("serving")

	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return <-engineDone
}

func buildExecutor() (fastgen.StepExecutor, error) {
	switch serveFlags.backendName {
	case "stub":
		return fastgen.NewStubExecutor(serveFlags.vocabSize), nil
	case "onnx":
		if serveFlags.modelPath == "" {
			return nil, fmt.Errorf("onnx backend requires --model")
		}
		return backend.NewONNXExecutor(serveFlags.modelPath, serveFlags.vocabSize, time.Now().UnixNano())
	case "http":
		if serveFlags.modelURL == "" {
			return nil, fmt.Errorf("http backend requires --model-url")
		}
		return backend.NewHTTPExecutor(serveFlags.modelURL)
	default:
		return nil, fmt.Errorf("unknown backend %q", serveFlags.backendName)
	}
}

func buildTokenizer() (fastgen.Tokenizer, error) {
	if serveFlags.tokenizerPath == "" {
		return fastgen.NewMockTokenizer(serveFlags.eos), nil
	}
	return backend.NewHFTokenizer(serveFlags.tokenizerPath, serveFlags.eos)
}
