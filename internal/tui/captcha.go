package tui

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"board-sync/internal/util"
)

// ConfirmWithToken asks the user to type a short random token before a
// destructive device command. It passes without asking when stdin is not a
// terminal or BOARD_SYNC_FORCE_CAPTCHA is false.
func ConfirmWithToken(prompt string, attempts int) (bool, error) {
	if v := strings.ToLower(strings.TrimSpace(os.Getenv("BOARD_SYNC_FORCE_CAPTCHA"))); v == "false" || v == "0" || v == "no" {
		util.Default.Println("BOARD_SYNC_FORCE_CAPTCHA=false detected, skipping confirmation")
		return true, nil
	}
	if fi, _ := os.Stdin.Stat(); fi == nil || (fi.Mode()&os.ModeCharDevice) == 0 {
		util.Default.Println("Non-interactive stdin detected, skipping confirmation")
		return true, nil
	}
	token, err := genToken(6)
	if err != nil {
		return false, fmt.Errorf("failed to generate token: %w", err)
	}
	return confirmToken(os.Stdin, prompt, token, attempts)
}

func confirmToken(in io.Reader, prompt, token string, attempts int) (bool, error) {
	if attempts <= 0 {
		attempts = 3
	}
	reader := bufio.NewReader(in)
	for i := 0; i < attempts; i++ {
		util.Default.Printf("%s\n", prompt)
		util.Default.Printf("Type the token to confirm [%s]: ", token)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return false, fmt.Errorf("failed to read input: %w", err)
		}
		if strings.TrimSpace(line) == token {
			util.Default.Println("Confirmation accepted")
			return true, nil
		}
		util.Default.Printf("Token mismatch (%d/%d).\n", i+1, attempts)
	}
	util.Default.Println("Confirmation failed, aborting")
	return false, nil
}

// genToken returns an uppercase alphanumeric token of length n.
func genToken(n int) (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	out := make([]byte, n)
	max := big.NewInt(int64(len(charset)))
	for i := 0; i < n; i++ {
		r, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = charset[r.Int64()]
	}
	return string(out), nil
}
