// Package main provides the account management CLI: add accounts via the
// OAuth paste flow, import the Antigravity IDE sign-in, list, and remove.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/poemonsense/ag2api-go/internal/account"
	"github.com/poemonsense/ag2api-go/internal/auth"
	"github.com/poemonsense/ag2api-go/internal/cloudcode"
	"github.com/poemonsense/ag2api-go/internal/config"
	"github.com/poemonsense/ag2api-go/internal/utils"
)

func main() {
	args := os.Args[1:]
	command := "add"
	noBrowser := false
	for _, arg := range args {
		if arg == "--no-browser" {
			noBrowser = true
		} else if !strings.HasPrefix(arg, "-") && command == "add" {
			command = arg
		}
	}

	scanner := bufio.NewScanner(os.Stdin)
	manager := newManager()

	switch command {
	case "add":
		addAccount(manager, scanner, noBrowser)
	case "import":
		importFromIDE(manager)
	case "list":
		listAccounts(manager)
	case "remove":
		removeAccount(manager, scanner)
	case "help":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		fmt.Println("Run with \"help\" for usage information.")
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println("\nUsage:")
	fmt.Println("  ag2api-accounts add       Add an account via Google OAuth")
	fmt.Println("  ag2api-accounts import    Import the Antigravity IDE sign-in")
	fmt.Println("  ag2api-accounts list      List configured accounts")
	fmt.Println("  ag2api-accounts remove    Remove an account")
	fmt.Println("  ag2api-accounts help      Show this help")
	fmt.Println("\nOptions:")
	fmt.Println("  --no-browser    Do not try to open the consent URL in a browser")
}

func newManager() *account.Manager {
	client := cloudcode.NewClient()
	m := account.NewManager(config.AuthDir(), client, nil)
	if err := m.LoadAccounts(context.Background()); err != nil {
		fmt.Printf("Failed to load accounts: %v\n", err)
		os.Exit(1)
	}
	return m
}

func addAccount(manager *account.Manager, scanner *bufio.Scanner, noBrowser bool) {
	result, err := auth.GetAuthorizationURL()
	if err != nil {
		fatal("failed to build authorization URL: %v", err)
	}

	fmt.Println("\nOpen this URL, sign in, and approve access:")
	fmt.Println("\n  " + result.URL)
	if !noBrowser {
		openBrowser(result.URL)
	}

	fmt.Println("\nAfter approving, paste the full callback URL (or just the code):")
	fmt.Print("> ")
	if !scanner.Scan() {
		fatal("no input")
	}

	extracted, err := auth.ExtractCodeFromInput(scanner.Text())
	if err != nil {
		fatal("%v", err)
	}
	if extracted.State != "" && extracted.State != result.State {
		fatal("state mismatch; restart the flow and paste the fresh URL")
	}

	tokens, err := auth.ExchangeCode(context.Background(), extracted.Code, result.Verifier)
	if err != nil {
		fatal("code exchange failed: %v", err)
	}

	persistTokens(manager, tokens)
}

func importFromIDE(manager *account.Manager) {
	if !auth.IsDatabaseAccessible("") {
		fatal("cannot open the Antigravity IDE state database; install the IDE and sign in first")
	}
	status, err := auth.ReadIDEAuthStatus("")
	if err != nil {
		fatal("%v", err)
	}
	fmt.Printf("Found IDE sign-in for %s\n", utils.MaskEmail(status.Email))

	client := cloudcode.NewClient()
	tokens, err := client.RefreshToken(context.Background(), status.RefreshToken)
	if err != nil {
		fatal("the IDE refresh token did not work: %v", err)
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = status.RefreshToken
	}
	if status.Email != "" {
		persistCredentials(manager, account.Credentials{
			AccessToken:  tokens.AccessToken,
			RefreshToken: tokens.RefreshToken,
			ExpiryDate:   tokens.ExpiryDate,
			TokenType:    tokens.TokenType,
			Scope:        tokens.Scope,
			Email:        status.Email,
		})
		return
	}
	persistTokens(manager, tokens)
}

func persistTokens(manager *account.Manager, tokens *cloudcode.TokenResult) {
	persistCredentials(manager, account.Credentials{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiryDate:   tokens.ExpiryDate,
		TokenType:    tokens.TokenType,
		Scope:        tokens.Scope,
	})
}

func persistCredentials(manager *account.Manager, creds account.Credentials) {
	fmt.Println("Resolving project id (this can take a few seconds)...")
	acc, err := manager.AddAccount(context.Background(), creds)
	if err != nil {
		fatal("account refused: %v", err)
	}
	fmt.Printf("\nSaved %s\n", acc.ID)
}

func listAccounts(manager *account.Manager) {
	summary := manager.Summary()
	if summary.Count == 0 {
		fmt.Println("No accounts configured.")
		return
	}
	fmt.Printf("%d account(s) in %s:\n\n", summary.Count, config.AuthDir())
	for i, row := range summary.Accounts {
		verified := "unverified project id"
		if row.Verified {
			verified = row.ProjectID
		}
		fmt.Printf("  [%d] %-32s %-24s %s\n", i, row.File, row.Email, verified)
	}
}

func removeAccount(manager *account.Manager, scanner *bufio.Scanner) {
	summary := manager.Summary()
	if summary.Count == 0 {
		fmt.Println("No accounts configured.")
		return
	}
	listAccounts(manager)
	fmt.Print("\nIndex to remove: ")
	if !scanner.Scan() {
		fatal("no input")
	}
	index, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil || index < 0 || index >= summary.Count {
		fatal("invalid index")
	}
	file := summary.Accounts[index].File
	if err := manager.DeleteAccountByFile(file); err != nil {
		fatal("%v", err)
	}
	fmt.Printf("Removed %s\n", file)
}

func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", "", strings.ReplaceAll(url, "&", "^&"))
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		fmt.Println("(could not open a browser; copy the URL manually)")
	}
}

func fatal(format string, args ...interface{}) {
	fmt.Printf("Error: "+format+"\n", args...)
	os.Exit(1)
}
