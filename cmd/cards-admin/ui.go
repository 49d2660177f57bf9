package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethsmith/csc-trading-cards-api/internal/cards"

	"github.com/fatih/color"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

type codesPayload struct {
	Codes []cards.CodeView `json:"codes"`
}

type grantPayload struct {
	UserID      string `json:"user_id"`
	PackBalance int64  `json:"pack_balance"`
}

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

func promptOptional(label string) (string, error) {
	fmt.Printf("%s: ", label)
	text, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func promptChoice(label string, options []string, defaultValue string) (string, error) {
	normalized := make(map[string]struct{}, len(options))
	for _, opt := range options {
		normalized[strings.ToLower(strings.TrimSpace(opt))] = struct{}{}
	}
	for {
		fmt.Printf("%s (%s) [%s]: ", label, strings.Join(options, "/"), defaultValue)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.ToLower(strings.TrimSpace(text))
		if text == "" {
			text = strings.ToLower(strings.TrimSpace(defaultValue))
		}
		if _, ok := normalized[text]; ok {
			return text, nil
		}
		printWarn("Invalid option. Please pick one of the listed values.")
	}
}

func promptInt64(label string, min int64) (int64, error) {
	for {
		text, err := promptRequired(label)
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			printWarn("Enter a whole number.")
			continue
		}
		if v < min {
			printWarn(fmt.Sprintf("Value must be >= %d", min))
			continue
		}
		return v, nil
	}
}

func promptInt64Default(label string, defaultValue, min int64) (int64, error) {
	for {
		fmt.Printf("%s [%d]: ", label, defaultValue)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return 0, err
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return defaultValue, nil
		}
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			printWarn("Enter a whole number.")
			continue
		}
		if v < min {
			printWarn(fmt.Sprintf("Value must be >= %d", min))
			continue
		}
		return v, nil
	}
}

func promptExpiry() (*time.Time, error) {
	hours, err := promptInt64Default("Expires in hours (0 = never)", 0, 0)
	if err != nil {
		return nil, err
	}
	if hours == 0 {
		return nil, nil
	}
	t := time.Now().Add(time.Duration(hours) * time.Hour).UTC()
	return &t, nil
}

func decodeInto[T any](in any) (T, error) {
	var out T
	raw, err := json.Marshal(in)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

func renderCode(raw map[string]any) error {
	code, err := decodeInto[cards.CodeView](raw)
	if err != nil {
		return err
	}
	accent.Println("\n== CODE MINTED ==")
	fmt.Printf("Code:           %s\n", code.Code)
	fmt.Printf("Packs:          %d\n", code.PackCount)
	fmt.Printf("Cards per pack: %d\n", code.CardsPerPack)
	if code.GuaranteedRarity != "" {
		fmt.Printf("Guaranteed:     %dx %s\n", code.GuaranteedCount, code.GuaranteedRarity)
	}
	fmt.Printf("Expires:        %s\n", formatExpiry(code.ExpiresAt))
	fmt.Println()
	printSuccess("Code created. It redeems exactly once.")
	return nil
}

func renderCodeList(raw map[string]any) error {
	payload, err := decodeInto[codesPayload](raw)
	if err != nil {
		return err
	}
	accent.Println("\n== REDEMPTION CODES ==")
	if len(payload.Codes) == 0 {
		printInfo("No codes found.")
		return nil
	}
	fmt.Printf("%-16s %6s %6s %-14s %-17s %-20s %-14s\n", "CODE", "PACKS", "SIZE", "GUARANTEE", "EXPIRES", "REDEEMED BY", "ISSUED BY")
	for _, c := range payload.Codes {
		guarantee := "-"
		if c.GuaranteedRarity != "" {
			guarantee = fmt.Sprintf("%dx %s", c.GuaranteedCount, c.GuaranteedRarity)
		}
		redeemedBy := "-"
		if c.RedeemedBy != nil {
			redeemedBy = *c.RedeemedBy
		}
		fmt.Printf("%-16s %6d %6d %-14s %-17s %-20s %-14s\n",
			c.Code,
			c.PackCount,
			c.CardsPerPack,
			truncate(guarantee, 14),
			formatExpiry(c.ExpiresAt),
			truncate(redeemedBy, 20),
			truncate(c.IssuedBy, 14),
		)
	}
	fmt.Println()
	return nil
}

func renderGiftResult(raw map[string]any) error {
	result, err := decodeInto[cards.CreateGiftResult](raw)
	if err != nil {
		return err
	}
	if result.GiftsCreated == 1 && len(result.GiftIDs) == 1 {
		printSuccess(fmt.Sprintf("Gift #%d created.", result.GiftIDs[0]))
		return nil
	}
	printSuccess(fmt.Sprintf("Broadcast complete: %d gifts created.", result.GiftsCreated))
	return nil
}

func renderGrantResult(raw map[string]any) error {
	result, err := decodeInto[grantPayload](raw)
	if err != nil {
		return err
	}
	printSuccess(fmt.Sprintf("Granted. %s now holds %d packs.", result.UserID, result.PackBalance))
	return nil
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format("2006-01-02 15:04Z")
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
