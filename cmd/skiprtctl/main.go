// Command skiprtctl is a small diagnostic CLI over the heap-profiler
// CSV the diag package writes: it loads one and prints a colorized
// top-N report of the heaviest call sites, built on urfave/cli.v1,
// fatih/color and mattn/go-isatty.
package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"gopkg.in/urfave/cli.v1"
)

type row struct {
	kind     string
	count    int64
	bytes    int64
	callSite string
}

func main() {
	app := cli.NewApp()
	app.Name = "skiprtctl"
	app.Usage = "inspect objruntime heap-profiler CSV output"
	app.Flags = []cli.Flag{
		cli.IntFlag{Name: "top, n", Value: 10, Usage: "number of call sites to show"},
		cli.BoolFlag{Name: "no-color", Usage: "disable colorized output"},
	}
	app.Action = func(c *cli.Context) error {
		if c.NArg() < 1 {
			return cli.NewExitError("usage: skiprtctl [--top N] <profile.csv>", 1)
		}
		return run(c.Args().Get(0), c.Int("top"), !c.Bool("no-color"))
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(path string, top int, useColor bool) error {
	rows, err := loadCSV(path)
	if err != nil {
		return err
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].bytes > rows[j].bytes })
	if top > 0 && top < len(rows) {
		rows = rows[:top]
	}

	bold := color.New(color.Bold)
	heavy := color.New(color.FgRed, color.Bold)
	plain := color.New()
	if !useColor || !isatty.IsTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}

	bold.Printf("%-10s %10s %14s  %s\n", "KIND", "COUNT", "BYTES", "CALL SITE")
	for _, r := range rows {
		style := plain
		if r.bytes > 1<<20 {
			style = heavy
		}
		style.Printf("%-10s %10d %14d  %s\n", r.kind, r.count, r.bytes, r.callSite)
	}
	return nil
}

func loadCSV(path string) ([]row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	var rows []row
	for _, rec := range records[1:] { // skip header
		if len(rec) < 4 {
			continue
		}
		count, _ := strconv.ParseInt(rec[1], 10, 64)
		bytes, _ := strconv.ParseInt(rec[2], 10, 64)
		rows = append(rows, row{kind: rec[0], count: count, bytes: bytes, callSite: rec[3]})
	}
	return rows, nil
}
