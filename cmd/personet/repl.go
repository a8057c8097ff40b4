package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"personet/pkg/profile"
)

func newReplCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "repl",
		Short:   "Interactive profile inspection shell",
		Example: "  personet repl",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			fmt.Printf("%s Interactive mode (Ctrl+C to exit)\n\n", appName)
			return runRepl(eng)
		},
	}
}

func runRepl(eng *engine) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          appName + "> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".personet_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return nil
		}

		if err := runReplCommand(eng, strings.Fields(input)); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}

func runReplCommand(eng *engine, fields []string) error {
	ctx := context.Background()

	switch fields[0] {
	case "help":
		replHelp()
		return nil
	case "resolve":
		if len(fields) != 3 {
			return fmt.Errorf("usage: resolve <platform> <uid>")
		}
		id, created, err := eng.resolver.ResolveOrCreate(ctx, fields[1], fields[2])
		if err != nil {
			return err
		}
		printResolved(id, created)
		return nil
	case "link":
		if len(fields) != 4 {
			return fmt.Errorf("usage: link <platform> <uid> <profile-id>")
		}
		if err := eng.resolver.LinkAccount(ctx, fields[1], fields[2], fields[3]); err != nil {
			return err
		}
		fmt.Println("✓ linked")
		return nil
	case "merge":
		if len(fields) != 3 {
			return fmt.Errorf("usage: merge <primary-id> <secondary-id>")
		}
		if err := eng.resolver.Merge(ctx, fields[1], fields[2]); err != nil {
			return err
		}
		fmt.Println("✓ merged")
		return nil
	case "show":
		if len(fields) != 2 {
			return fmt.Errorf("usage: show <profile-id>")
		}
		p, err := eng.aggregator.Read(ctx, fields[1])
		if err != nil {
			return err
		}
		return printJSON(p)
	case "export":
		if len(fields) < 4 {
			return fmt.Errorf("usage: export <platform> <group> <id>...")
		}
		result, err := eng.exporter.Export(ctx, profile.ExportContext{
			Platform: fields[1],
			GroupID:  fields[2],
		}, fields[3:])
		if err != nil {
			return err
		}
		if result.Failed > 0 {
			fmt.Printf("(%d candidate(s) failed)\n", result.Failed)
		}
		return printJSON(result.Records)
	case "impress":
		if len(fields) < 3 {
			return fmt.Errorf("usage: impress <profile-id> <text>")
		}
		entry, err := eng.aggregator.AppendImpression(ctx, fields[1], strings.Join(fields[2:], " "))
		if err != nil {
			return err
		}
		fmt.Printf("✓ recorded %s\n", entry.ID)
		return nil
	case "list":
		ids, err := eng.store.ListProfileIDs(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	default:
		replHelp()
		return fmt.Errorf("unknown command: %s", fields[0])
	}
}

func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

func replHelp() {
	fmt.Println("Commands:")
	fmt.Println("  resolve <platform> <uid>          Resolve or create an identity")
	fmt.Println("  link <platform> <uid> <id>        Link an account to a profile")
	fmt.Println("  merge <primary> <secondary>       Merge two profiles")
	fmt.Println("  show <id>                         Print a profile")
	fmt.Println("  export <platform> <group> <id>..  Export profile views")
	fmt.Println("  impress <id> <text>               Append an impression")
	fmt.Println("  list                              List profile ids")
	fmt.Println("  help                              Show this help")
	fmt.Println("  exit                              Leave the shell")
}
