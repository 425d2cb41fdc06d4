package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"fastgen-go/fastgen"
)

var benchFlags struct {
	numRequests int
	minInput    int
	maxInput    int
	minOutput   int
	maxOutput   int
	numBlocks   int
	blockSize   int
	tokenBudget int
	seed        int64
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run a synthetic throughput benchmark against the stub backend",
	RunE:  runBench,
}

func init() {
	f := benchCmd.Flags()
	f.IntVar(&benchFlags.numRequests, "requests", 256, "number of synthetic requests")
	f.IntVar(&benchFlags.minInput, "min-input", 100, "minimum prompt length")
	f.IntVar(&benchFlags.maxInput, "max-input", 1024, "maximum prompt length")
	f.IntVar(&benchFlags.minOutput, "min-output", 100, "minimum generation length")
	f.IntVar(&benchFlags.maxOutput, "max-output", 1024, "maximum generation length")
	f.IntVar(&benchFlags.numBlocks, "num-blocks", 4096, "KV cache pool size in blocks")
	f.IntVar(&benchFlags.blockSize, "block-size", 16, "tokens per KV cache block")
	f.IntVar(&benchFlags.tokenBudget, "token-budget", 4096, "per-tick batched token budget")
	f.Int64Var(&benchFlags.seed, "seed", 42, "prompt generation seed")
}

func runBench(cmd *cobra.Command, args []string) error {
	rng := rand.New(rand.NewSource(benchFlags.seed))

	maxLen := benchFlags.maxInput + benchFlags.maxOutput + 1
	cfg, err := fastgen.NewConfig(
		fastgen.WithNumBlocks(benchFlags.numBlocks),
		fastgen.WithBlockSize(benchFlags.blockSize),
		fastgen.WithMaxNumBatchedTokens(benchFlags.tokenBudget),
		fastgen.WithMaxModelLen(maxLen),
		fastgen.WithSubmitQueueSize(benchFlags.numRequests),
		fastgen.WithStreamBufferSize(benchFlags.maxOutput+1),
	)
	if err != nil {
		return err
	}

	engine := fastgen.NewEngine(cfg, fastgen.NewStubExecutor(32000), nil,
		logrus.WithField("component", "bench"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	bar := progressbar.NewOptions(benchFlags.numRequests,
		progressbar.OptionSetDescription("Generating"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
	)

	type result struct {
		tokens int
		err    error
	}
	results := make(chan result, benchFlags.numRequests)

	start := time.Now()
	for i := 0; i < benchFlags.numRequests; i++ {
		prompt := make([]int, benchFlags.minInput+rng.Intn(benchFlags.maxInput-benchFlags.minInput+1))
		for j := range prompt {
			prompt[j] = rng.Intn(32000)
		}
		maxNew := benchFlags.minOutput + rng.Intn(benchFlags.maxOutput-benchFlags.minOutput+1)

		params, err := fastgen.NewSamplingParams(
			fastgen.WithMaxNewTokens(maxNew),
			fastgen.WithIgnoreEOS(true),
		)
		if err != nil {
			return err
		}

		_, stream, err := engine.Submit(fastgen.GenerationRequest{
			PromptTokens: prompt,
			Params:       params,
		})
		if err != nil {
			return fmt.Errorf("submit request %d: %w", i, err)
		}

		go func(stream <-chan fastgen.StreamEvent) {
			n := 0
			var failure error
			for ev := range stream {
				if ev.IsFinal {
					failure = ev.Err
					continue
				}
				n++
			}
			results <- result{tokens: n, err: failure}
		}(stream)
	}

	totalTokens := 0
	for i := 0; i < benchFlags.numRequests; i++ {
		r := <-results
		if r.err != nil {
			return r.err
		}
		totalTokens += r.tokens
		bar.Add(1)
	}
	bar.Finish()
	elapsed := time.Since(start)

	stats := engine.Stats()
	fmt.Println()
	fmt.Printf("Requests:        %d\n", benchFlags.numRequests)
	fmt.Printf("Elapsed:         %.2fs\n", elapsed.Seconds())
	fmt.Printf("Ticks:           %d\n", stats.Ticks)
	fmt.Printf("Prefill tokens:  %d (%.0f tok/s)\n", stats.PrefillTokens,
		float64(stats.PrefillTokens)/elapsed.Seconds())
	fmt.Printf("Decode tokens:   %d (%.0f tok/s)\n", stats.DecodeTokens,
		float64(stats.DecodeTokens)/elapsed.Seconds())
	fmt.Printf("Generated:       %d tokens\n", totalTokens)
	fmt.Printf("Preemptions:     %d\n", stats.Preemptions)
	return nil
}
