package main

import (
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/nabu-linux/lon-deployer/cmd/lon-deployer/commands"
)

func main() {
	// Operator output goes through the CLI; the log stays quiet unless --debug.
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewJSONHandler(os.Stderr, opts)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))

	commands.Execute(level)
}
