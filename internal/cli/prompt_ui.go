package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
)

// isInteractiveTerminal checks if we're running in an interactive terminal
func isInteractiveTerminal() bool {
	if fileInfo, _ := os.Stdin.Stat(); (fileInfo.Mode() & os.ModeCharDevice) == 0 {
		return false
	}
	if fileInfo, _ := os.Stdout.Stat(); (fileInfo.Mode() & os.ModeCharDevice) == 0 {
		return false
	}
	return true
}

// runField applies the shared accessibility and theming settings to a
// single prompt field and runs it.
func runField(f huh.Field) error {
	f = f.WithAccessible(os.Getenv("ACCESSIBLE") != "" || !isInteractiveTerminal())
	if os.Getenv("NO_COLOR") != "" {
		f = f.WithTheme(huh.ThemeBase())
	}
	return f.Run()
}

// confirm shows a yes/no dialog before a destructive action. Outside an
// interactive terminal the answer comes from the --yes flag instead, so
// scripts either pass it explicitly or fail closed.
func confirm(assumeYes bool, title, description string) (bool, error) {
	if assumeYes {
		return true, nil
	}
	if !isInteractiveTerminal() {
		return false, fmt.Errorf("refusing %q without a terminal; pass --yes to proceed", title)
	}

	var confirmed bool
	err := runField(huh.NewConfirm().
		Title(title).
		Description(description).
		Value(&confirmed).
		Affirmative("Yes").
		Negative("No"))
	if err != nil {
		return false, fmt.Errorf("confirmation cancelled: %w", err)
	}
	return confirmed, nil
}

// promptForToken asks for the agent token with echo masked.
func promptForToken(host string) (string, error) {
	var token string
	err := runField(huh.NewInput().
		Title(fmt.Sprintf("Agent token for %s", host)).
		Description("Stored in the system keyring; leave blank to cancel.").
		EchoMode(huh.EchoModePassword).
		Value(&token))
	if err != nil {
		return "", fmt.Errorf("token entry cancelled: %w", err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("no token provided")
	}
	return token, nil
}
