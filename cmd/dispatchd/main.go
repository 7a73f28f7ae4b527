package main

import (
	"fmt"
	"os"

	"dispatchd/internal/cli"
	"dispatchd/internal/loaders"
	"dispatchd/internal/worker"
)

func main() {
	// Built-in loaders. Applications embedding heavier models register
	// their own factories here before Execute.
	reg := worker.NewRegistry()
	for name, factory := range map[string]worker.Factory{
		"echo":      loaders.NewEcho,
		"embedding": loaders.NewEmbedding,
		"rerank":    loaders.NewRerank,
	} {
		if err := reg.Register(name, factory); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	if err := cli.Execute(reg); err != nil {
		os.Exit(1)
	}
}
