package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"goldrun/internal/game"
	"goldrun/internal/market"

	"github.com/fatih/color"
	"golang.org/x/term"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
	gold        = color.New(color.FgYellow)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

// promptPassword hides input on a terminal and falls back to a plain read
// when stdin is piped.
func promptPassword(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptRequired(label)
	}
	for {
		fmt.Printf("%s: ", label)
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		if pw := strings.TrimSpace(string(raw)); pw != "" {
			return pw, nil
		}
		printWarn(label + " is required.")
	}
}

func renderProfile(p game.Profile) {
	accent.Printf("\n== %s (#%d) ==\n", p.Username, p.ID)
	fmt.Printf("Email:  %s\n", p.Email)
	fmt.Printf("Gold:   %s\n", gold.Sprint(comma(p.Gold)))
	if p.CodeError != "" {
		danger.Printf("Script failed to load: %s\n", p.CodeError)
	}
	if p.RunError != "" {
		danger.Printf("Last run failed: %s\n", p.RunError)
	}

	fmt.Println()
	accent.Println("Script")
	if strings.TrimSpace(p.Code) == "" {
		printInfo("No script uploaded.")
	} else {
		for _, line := range strings.Split(p.Code, "\n") {
			neutral.Println("  " + line)
		}
	}

	fmt.Println()
	accent.Println("Recent investments")
	renderInvestments(p.History, 10)
	fmt.Println()
}

func renderInvestments(history []market.Investment, limit int) {
	if len(history) == 0 {
		printInfo("No investments yet.")
		return
	}
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	fmt.Printf("%-8s %-8s %12s %12s\n", "ID", "TICK", "AMOUNT", "PROFIT")
	for i := len(history) - 1; i >= 0; i-- {
		inv := history[i]
		fmt.Printf("%-8d %-8d %12s %12s\n", inv.ID, inv.Tick, comma(inv.Amount), colorizeGold(inv.Profit))
	}
}

// sortUsers orders a copy of users the way the server ranks its leaderboard.
func sortUsers(users []game.PublicUser) []game.PublicUser {
	out := append([]game.PublicUser(nil), users...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Gold != out[j].Gold {
			return out[i].Gold > out[j].Gold
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func renderUsers(users []game.PublicUser, self int64) {
	users = sortUsers(users)
	accent.Println("\n== PLAYERS ==")
	if len(users) == 0 {
		printInfo("Nobody has signed up yet.")
		return
	}
	fmt.Printf("%-6s %-24s %14s\n", "RANK", "PLAYER", "GOLD")
	for i, u := range users {
		name := truncate(u.Username, 24)
		line := fmt.Sprintf("%-6d %-24s %14s", i+1, name, comma(u.Gold))
		if u.ID == self {
			success.Println(line)
			continue
		}
		fmt.Println(line)
	}
	fmt.Println()
}

func colorizeGold(v int64) string {
	text := comma(v)
	switch {
	case v > 0:
		return success.Sprint("+" + text)
	case v < 0:
		return danger.Sprint(text)
	default:
		return neutral.Sprint(text)
	}
}

func comma(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	s := strconv.FormatInt(v, 10)
	if len(s) <= 3 {
		return sign + s
	}
	var b strings.Builder
	b.WriteString(sign)
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
		b.WriteByte(',')
	}
	for i := pre; i < len(s); i += 3 {
		b.WriteString(s[i : i+3])
		if i+3 < len(s) {
			b.WriteByte(',')
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
