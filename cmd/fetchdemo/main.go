// Command fetchdemo is an interactive REPL over a toy "players" table,
// demonstrating a tracked Controller: every insert/update/delete typed at
// the prompt is written through sqlitedb.DB.Write, and the controller
// tracking "SELECT id, name, score FROM players ORDER BY id" prints the
// resulting Insertion/Deletion/Update/Move events as they arrive.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/sqlitewatch/fetchedcontroller/internal/config"
	"github.com/sqlitewatch/fetchedcontroller/internal/controller"
	"github.com/sqlitewatch/fetchedcontroller/internal/differ"
	"github.com/sqlitewatch/fetchedcontroller/internal/model"
	"github.com/sqlitewatch/fetchedcontroller/internal/rowsnapshot"
	"github.com/sqlitewatch/fetchedcontroller/internal/selection"
	"github.com/sqlitewatch/fetchedcontroller/internal/sqlitedb"
)

type player struct {
	ID    int64
	Name  string
	Score int64
}

func projectPlayer(s rowsnapshot.Snapshot) (player, error) {
	id, _ := s.ValueNamed("id")
	name, _ := s.ValueNamed("name")
	score, _ := s.ValueNamed("score")
	return player{ID: id.(int64), Name: name.(string), Score: score.(int64)}, nil
}

func samePlayer(a, b rowsnapshot.Snapshot) bool {
	av, _ := a.ValueNamed("id")
	bv, _ := b.ValueNamed("id")
	return av == bv
}

func main() {
	cfg := config.DefaultConfig()
	cfg.DBPath = ":memory:"

	ctx := context.Background()
	db, err := sqlitedb.OpenWithConfig(ctx, cfg.DBPath, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Write(ctx, nil, func(tx *sql.Tx) error {
		_, err := tx.Exec(`CREATE TABLE players(id INTEGER PRIMARY KEY, name TEXT NOT NULL, score INTEGER NOT NULL)`)
		return err
	}); err != nil {
		fmt.Fprintf(os.Stderr, "create schema: %v\n", err)
		os.Exit(1)
	}

	req := sqlitedb.NewRequest(`SELECT id, name, score FROM players ORDER BY id`)
	ctrl, err := controller.Create[player, int64](ctx, db, req, projectPlayer, samePlayer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create controller: %v\n", err)
		os.Exit(1)
	}
	defer ctrl.Stop()

	ctrl.Track(controller.Callbacks[player, int64]{
		FetchAlongside: func(ctx context.Context, db model.Database) (int64, error) {
			return totalScore(ctx, db)
		},
		OnChange: func(events []differ.Event[player]) {
			for _, ev := range events {
				printEvent(ev)
			}
		},
		DidChange: func(total int64) {
			fmt.Printf("  (total score across all players: %s)\n", humanize.Comma(total))
		},
	})
	ctrl.TrackErrors(func(err error) {
		fmt.Fprintf(os.Stderr, "refetch error: %v\n", err)
	})

	prompt := "> "
	if isatty.IsTerminal(os.Stdout.Fd()) {
		prompt = "\033[36mfetchdemo>\033[0m "
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	printHelp()
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := dispatch(ctx, db, ctrl, line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

func dispatch(ctx context.Context, db *sqlitedb.DB, ctrl *controller.Controller[player, int64], line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "help":
		printHelp()
	case "list":
		listPlayers(ctrl)
	case "insert":
		if len(fields) != 3 {
			return fmt.Errorf("usage: insert <name> <score>")
		}
		score, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid score: %w", err)
		}
		return insertPlayer(ctx, db, fields[1], score)
	case "update":
		if len(fields) != 3 {
			return fmt.Errorf("usage: update <id> <score>")
		}
		id, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}
		score, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid score: %w", err)
		}
		return updateScore(ctx, db, id, score)
	case "delete":
		if len(fields) != 2 {
			return fmt.Errorf("usage: delete <id>")
		}
		id, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}
		return deletePlayer(ctx, db, id)
	case "quit", "exit":
		os.Exit(0)
	default:
		return fmt.Errorf("unknown command %q, type 'help'", fields[0])
	}
	return nil
}

func insertPlayer(ctx context.Context, db *sqlitedb.DB, name string, score int64) error {
	events := []model.ChangeEvent{{Kind: selection.Insert, Table: "players"}}
	return db.Write(ctx, events, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO players(name, score) VALUES (?, ?)`, name, score)
		return err
	})
}

func updateScore(ctx context.Context, db *sqlitedb.DB, id, score int64) error {
	events := []model.ChangeEvent{{Kind: selection.Update, Table: "players", Columns: []string{"score"}}}
	return db.Write(ctx, events, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE players SET score = ? WHERE id = ?`, score, id)
		return err
	})
}

// totalScore computes the fetch-alongside value for the tracked player
// list: the sum of every player's score, read from whatever snapshot the
// controller's own re-fetch observes, so the printed total is never stale
// relative to the rows just delivered.
func totalScore(ctx context.Context, db model.Database) (int64, error) {
	var total int64
	err := db.ReadFromCurrentState(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `SELECT COALESCE(SUM(score), 0) FROM players`).Scan(&total)
	})
	return total, err
}

func deletePlayer(ctx context.Context, db *sqlitedb.DB, id int64) error {
	events := []model.ChangeEvent{{Kind: selection.Delete, Table: "players"}}
	return db.Write(ctx, events, func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM players WHERE id = ?`, id)
		return err
	})
}

func listPlayers(ctrl *controller.Controller[player, int64]) {
	n := ctrl.Count()
	fmt.Printf("%s player(s)\n", humanize.Comma(int64(n)))
	for i := 0; i < n; i++ {
		p, err := ctrl.At(i).Element()
		if err != nil {
			fmt.Printf("  [%d] <error: %v>\n", i, err)
			continue
		}
		fmt.Printf("  [%d] id=%d name=%s score=%s\n", i, p.ID, p.Name, humanize.Comma(p.Score))
	}
}

func printEvent(ev differ.Event[player]) {
	switch ev.Kind {
	case differ.Insertion:
		p, _ := ev.Item.Element()
		fmt.Printf("+ inserted %s at %d\n", p.Name, ev.Index)
	case differ.Deletion:
		p, _ := ev.Item.Element()
		fmt.Printf("- deleted %s from %d\n", p.Name, ev.Index)
	case differ.Move:
		p, _ := ev.Item.Element()
		fmt.Printf("~ moved %s from %d to %d\n", p.Name, ev.Index, ev.To)
	case differ.Update:
		p, _ := ev.Item.Element()
		fmt.Printf("* updated %s at %d (changed: %v)\n", p.Name, ev.Index, ev.Changed)
	}
}

func printHelp() {
	fmt.Println("commands: insert <name> <score> | update <id> <score> | delete <id> | list | quit")
}
