package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/syntrixbase/unbase"
	"github.com/syntrixbase/unbase/internal/config"
	"github.com/syntrixbase/unbase/internal/schema"
)

const prompt = "unbase> "

func runREPL(cfg config.Config, logger *slog.Logger) error {
	db, err := unbase.Open(cfg, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Shutdown()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:       prompt,
		HistoryFile:  historyFile(),
		HistoryLimit: 10000,
	})
	if err != nil {
		return fmt.Errorf("starting readline: %w", err)
	}
	defer rl.Close()

	fmt.Println(`unbase shell. Type "help" for commands, "exit" to quit.`)
	for {
		line, err := rl.Readline()
		if err == io.EOF || line == "exit" {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := dispatch(db, line); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	dir := filepath.Join(home, ".unbase")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return ""
	}
	return filepath.Join(dir, "history")
}

func dispatch(db *unbase.DB, line string) error {
	fields := strings.SplitN(line, " ", 3)
	cmd := fields[0]

	switch cmd {
	case "help":
		printHelp()
		return nil
	case "create-index":
		if len(fields) < 3 {
			return fmt.Errorf("usage: create-index <id> <schema-json>")
		}
		var idx schema.Index
		if err := json.Unmarshal([]byte(fields[2]), &idx); err != nil {
			return err
		}
		idx.ID = fields[1]
		jobID, err := db.CreateIndex(idx)
		if err != nil {
			return err
		}
		fmt.Println("job:", jobID)
		return nil
	case "delete-index":
		if len(fields) < 2 {
			return fmt.Errorf("usage: delete-index <id>")
		}
		jobID, err := db.DeleteIndex(fields[1])
		if err != nil {
			return err
		}
		fmt.Println("job:", jobID)
		return nil
	case "insert":
		rest := strings.SplitN(line, " ", 4)
		if len(rest) < 4 {
			return fmt.Errorf("usage: insert <index> <id> <record-json>")
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(rest[3]), &record); err != nil {
			return err
		}
		return db.Insert(rest[1], rest[2], record)
	case "get":
		rest := strings.Fields(line)
		if len(rest) < 3 {
			return fmt.Errorf("usage: get <index> <id>")
		}
		rec, ok, err := db.Get(rest[1], rest[2])
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("(not found)")
			return nil
		}
		return printJSON(rec)
	case "delete":
		rest := strings.Fields(line)
		if len(rest) < 3 {
			return fmt.Errorf("usage: delete <index> <id>")
		}
		return db.Delete(rest[1], rest[2])
	case "search":
		rest := strings.SplitN(line, " ", 3)
		if len(rest) < 3 {
			return fmt.Errorf("usage: search <index> <query>")
		}
		result, err := db.Search(rest[1], rest[2], unbase.SearchOptions{})
		if err != nil {
			return err
		}
		return printJSON(result)
	case "subscribe":
		rest := strings.SplitN(line, " ", 3)
		if len(rest) < 3 {
			return fmt.Errorf("usage: subscribe <index> <query>")
		}
		sub, err := db.Subscribe(rest[1], rest[2], unbase.SearchOptions{})
		if err != nil {
			return err
		}
		sub.On("change", func(payload any) {
			fmt.Println("change:")
			printJSON(payload)
		})
		sub.On("destroy", func(any) { fmt.Println("view destroyed") })
		fmt.Println("subscribed; events will print as they arrive")
		return nil
	case "stats":
		return printJSON(db.GetStats())
	default:
		return fmt.Errorf("unknown command %q, try \"help\"", cmd)
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func printHelp() {
	fmt.Println(`commands:
  create-index <id> <schema-json>
  delete-index <id>
  insert <index> <id> <record-json>
  get <index> <id>
  delete <index> <id>
  search <index> <query>
  subscribe <index> <query>
  stats
  exit`)
}
