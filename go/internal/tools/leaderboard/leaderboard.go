package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/mcdev12/classroom/go/internal/scoring"
	"github.com/mcdev12/classroom/go/internal/session"
	"github.com/mcdev12/classroom/go/internal/store"
	"github.com/spf13/pflag"
)

func main() {
	flagCode := pflag.StringP("code", "c", "", "session code")
	flagURL := pflag.String("nats-url", "", "NATS server URL (defaults to the local server)")
	flagBucket := pflag.String("bucket", "", "key-value bucket holding session state")
	flagTop := pflag.IntP("top", "n", 0, "show only the first n standings")
	flagTimeout := pflag.Duration("timeout", 10*time.Second, "how long to wait for the store")
	pflag.Parse()

	if !session.ValidCode(*flagCode) {
		fmt.Fprintln(os.Stderr, "a valid six character --code is required")
		os.Exit(2)
	}

	cfg := store.DefaultKVConfig()
	if *flagURL != "" {
		cfg.URL = *flagURL
	}
	if *flagBucket != "" {
		cfg.Bucket = *flagBucket
	}

	ctx, cancel := context.WithTimeout(context.Background(), *flagTimeout)
	defer cancel()

	kv, err := store.NewKVStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to store: %v\n", err)
		os.Exit(1)
	}
	defer kv.Close()

	ch := session.NewChannel(kv, *flagCode)
	if _, ok, err := ch.Meta(ctx); err != nil || !ok {
		fmt.Fprintf(os.Stderr, "session %s not found\n", *flagCode)
		os.Exit(1)
	}
	roster, err := ch.Roster(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read roster: %v\n", err)
		os.Exit(1)
	}

	standings := scoring.Leaderboard(roster)
	if *flagTop > 0 && len(standings) > *flagTop {
		standings = standings[:*flagTop]
	}
	printStandings(os.Stdout, *flagCode, standings)
}

var podiumColors = []func(format string, a ...interface{}) string{
	color.New(color.FgHiYellow, color.Bold).SprintfFunc(),
	color.New(color.FgHiWhite, color.Bold).SprintfFunc(),
	color.New(color.FgYellow).SprintfFunc(),
}

func printStandings(w io.Writer, code string, standings []scoring.Standing) {
	fmt.Fprintf(w, "Leaderboard for %s\n", color.CyanString(code))
	if len(standings) == 0 {
		fmt.Fprintln(w, "  no participants yet")
		return
	}
	for _, s := range standings {
		line := fmt.Sprintf("%3d. %-24s %5d", s.Rank, s.Name, s.Score)
		if s.Podium && s.Rank-1 < len(podiumColors) {
			line = podiumColors[s.Rank-1]("%s", line)
		}
		fmt.Fprintln(w, line)
	}
}
