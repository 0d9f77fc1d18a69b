// Copyright © 2026 fleetlimit authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package cmd

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/fleetlimit/fleetlimit/common"
	"github.com/fleetlimit/fleetlimit/coord"
	"github.com/fleetlimit/fleetlimit/limiter"
)

var simulateArgs struct {
	configPath string
	instances  int
	jobs       int
	workers    int
	jobType    string
	meanMS     int
	failRate   float64
	seed       int64
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a synthetic workload through the limiter and print stats",
	Long: "simulate builds one or more limiter instances from a config, joins\n" +
		"them through the in-process coordinator, and pushes randomized jobs\n" +
		"through them. The final stats snapshot is printed as YAML.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSimulation(cmd.Context())
	},
}

func init() {
	simulateCmd.Flags().StringVarP(&simulateArgs.configPath, "config", "c", "", "limiter config (YAML)")
	simulateCmd.Flags().IntVar(&simulateArgs.instances, "instances", 1, "fleet size to simulate")
	simulateCmd.Flags().IntVar(&simulateArgs.jobs, "jobs", 100, "jobs per instance")
	simulateCmd.Flags().IntVar(&simulateArgs.workers, "workers", 8, "concurrent submitters per instance")
	simulateCmd.Flags().StringVar(&simulateArgs.jobType, "job-type", "", "job type (defaults to the config's defaultJobType)")
	simulateCmd.Flags().IntVar(&simulateArgs.meanMS, "mean-ms", 20, "mean simulated job duration")
	simulateCmd.Flags().Float64Var(&simulateArgs.failRate, "fail-rate", 0.05, "fraction of jobs that reject")
	simulateCmd.Flags().Int64Var(&simulateArgs.seed, "seed", 0, "rng seed, 0 means time-based")
	_ = simulateCmd.MarkFlagRequired("config")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulation(ctx context.Context) error {
	cfg, err := common.LoadConfig(simulateArgs.configPath)
	if err != nil {
		return err
	}
	log, err := common.NewLogger(verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	seed := simulateArgs.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	backend := coord.NewMemory(coord.WithLogger(log))
	instances := make([]*limiter.RateLimiter, simulateArgs.instances)
	for i := range instances {
		instCfg := *cfg
		instCfg.InstanceID = fmt.Sprintf("%s-%d", cfg.InstanceID, i)
		rl, err := limiter.New(&instCfg,
			limiter.WithLogger(log),
			limiter.WithCoordinator(backend),
			limiter.WithMetricsRegisterer(prometheus.NewRegistry()),
		)
		if err != nil {
			return err
		}
		if err := rl.Start(ctx); err != nil {
			return err
		}
		instances[i] = rl
	}
	defer func() {
		for _, rl := range instances {
			_ = rl.Stop(context.Background())
		}
	}()

	var completed, failed atomic.Int64
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for idx, rl := range instances {
		// the rng lives on the producer goroutine only; workers receive
		// ready-made job funcs
		instRand := rand.New(rand.NewSource(seed + int64(idx)))
		jobsCh := make(chan limiter.JobFunc)
		g.Go(func() error {
			defer close(jobsCh)
			for n := 0; n < simulateArgs.jobs; n++ {
				select {
				case jobsCh <- syntheticJob(instRand):
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
		for w := 0; w < simulateArgs.workers; w++ {
			rl := rl
			g.Go(func() error {
				for fn := range jobsCh {
					_, err := rl.QueueJob(gctx, limiter.Job{
						Type: simulateArgs.jobType,
						Fn:   fn,
					})
					switch {
					case err == nil:
						completed.Add(1)
					case errors.Is(err, context.Canceled):
						return err
					default:
						failed.Add(1)
					}
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	elapsed := time.Since(start)

	fmt.Fprintf(os.Stdout, "completed=%d failed=%d elapsed=%s\n",
		completed.Load(), failed.Load(), elapsed.Round(time.Millisecond))
	for _, rl := range instances {
		fmt.Fprintf(os.Stdout, "--- instance %s\n", rl.InstanceID())
		out, err := yaml.Marshal(rl.Stats())
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s", out)
	}
	return nil
}

// syntheticJob fabricates work: sleep around the mean, then resolve (or
// reject per the fail rate) with randomized token usage.
func syntheticJob(rng *rand.Rand) limiter.JobFunc {
	durMS := 1 + rng.Intn(simulateArgs.meanMS*2)
	reject := rng.Float64() < simulateArgs.failRate
	inTokens := int64(100 + rng.Intn(900))
	outTokens := int64(50 + rng.Intn(450))
	return func(ctx context.Context, modelID string) common.Outcome {
		select {
		case <-time.After(time.Duration(durMS) * time.Millisecond):
		case <-ctx.Done():
			return common.Reject(common.Usage{}, ctx.Err())
		}
		usage := common.Usage{
			InputTokens:  inTokens,
			OutputTokens: outTokens,
			RequestCount: 1,
		}
		if reject {
			return common.Reject(usage, errors.New("synthetic rejection"))
		}
		return common.Resolve(fmt.Sprintf("done on %s", modelID), usage)
	}
}
