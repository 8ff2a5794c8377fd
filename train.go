package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"time"

	"github.com/Big-jpg/instructGOOSE/IO"
	"github.com/Big-jpg/instructGOOSE/trainer"
	"gonum.org/v1/gonum/stat"
)

// train runs cfg.Steps PPO steps, cycling through shuffled prompt batches.
func train(tr *trainer.RLHFTrainer, seqs [][]int, tok IO.Tokenizer, rng *rand.Rand) error {
	var logWriter *csv.Writer
	if logPath != "" {
		logFile, err := os.Create(logPath)
		if err != nil {
			return fmt.Errorf("creating log file: %w", err)
		}
		defer logFile.Close()
		logWriter = csv.NewWriter(logFile)
		logWriter.Write([]string{"step", "loss", "policy_loss", "value_loss", "entropy", "clip_frac", "mean_reward", "objective"})
		defer logWriter.Flush()
	}

	t0 := time.Now()
	var batches [][][]int
	var history []float64
	skipped := 0
	for step := 1; step <= tr.Config.Steps; step++ {
		if len(batches) == 0 {
			batches = IO.Batches(seqs, tr.Config.BatchSize, rng)
		}
		prompts := IO.PadBatch(batches[0], tok.PadID(), true)
		batches = batches[1:]

		stepTime := time.Now()
		res, err := tr.Step(prompts)
		if errors.Is(err, trainer.ErrNonFinite) {
			fmt.Printf("Step %d skipped: %v\n", step, err)
			skipped++
			continue
		}
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}

		meanReward := stat.Mean(res.Rewards, nil)
		history = append(history, meanReward)
		d := res.Detail
		fmt.Printf("Step %d - Loss: %.4f, Reward: %.4f, Objective: %.4f, Time: %s\n",
			step, res.Loss, meanReward, res.Objective, time.Since(stepTime))
		if showSamples && len(res.Responses) > 0 {
			fmt.Printf("  sample: %q\n", tok.Decode(res.Responses[0]))
		}
		if logWriter != nil {
			logWriter.Write([]string{
				strconv.Itoa(step),
				ftoa(res.Loss), ftoa(d.PolicyLoss), ftoa(d.ValueLoss), ftoa(d.Entropy),
				ftoa(d.ClipFraction), ftoa(meanReward), ftoa(res.Objective),
			})
		}
	}
	if logWriter != nil {
		logWriter.Flush()
		if err := logWriter.Error(); err != nil {
			return err
		}
	}
	fmt.Printf("\nTrained %d steps (%d skipped) in %s\n", tr.Config.Steps-skipped, skipped, time.Since(t0))
	plotCurve(os.Stdout, "mean reward per step", history, 10)
	return nil
}

func ftoa(v float64) string { return strconv.FormatFloat(v, 'g', 6, 64) }
