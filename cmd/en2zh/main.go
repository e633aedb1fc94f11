// Command en2zh trains and runs an English to Chinese Transformer
// translation model.
//
// Usage:
//
//	en2zh prepare   [-config en2zh.yaml] [flags]   encode corpora into the dataset cache
//	en2zh train     [-config en2zh.yaml] [flags]   train, resuming from the latest checkpoint
//	en2zh translate [-config en2zh.yaml] [text...] translate arguments or stdin lines
//	en2zh version
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

const version = "v0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd := os.Args[1]; cmd {
	case "prepare":
		err = RunPrepareCommand(ctx, os.Args[2:])
	case "train":
		err = RunTrainCommand(ctx, os.Args[2:])
	case "translate":
		err = RunTranslateCommand(ctx, os.Args[2:])
	case "version":
		fmt.Printf("en2zh %s\n", version)
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("en2zh - English to Chinese Transformer translation")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Commands:")
	fmt.Println("  prepare    Encode corpora and write the dataset cache")
	fmt.Println("  train      Train the model, resuming from the latest checkpoint")
	fmt.Println("  translate  Translate sentences given as arguments or on stdin")
	fmt.Println("  version    Show version")
	fmt.Println("")
	fmt.Println("Run 'en2zh <command> -h' for command flags.")
}
