// Command issue-token signs a bearer token for a student or supervisor
// against the configured JWT secret.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/stemsi/exstem-examsync/internal/config"
	"github.com/stemsi/exstem-examsync/internal/logger"
	"github.com/stemsi/exstem-examsync/internal/service"
)

func main() {
	var (
		tokenType string
		subject   string
		name      string
		ttl       time.Duration
	)
	flag.StringVar(&tokenType, "type", string(service.TokenTypeStudent), "Token type: student or supervisor")
	flag.StringVar(&subject, "subject", "", "Student or supervisor ID")
	flag.StringVar(&name, "name", "", "Display name carried in the token")
	flag.DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to JWT_EXPIRY_HOURS)")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()
	log := logger.SetupTo(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	tt := service.TokenType(tokenType)
	if tt != service.TokenTypeStudent && tt != service.TokenTypeSupervisor {
		log.Fatal().Str("type", tokenType).Msg("Token type must be student or supervisor")
	}

	// ─── CLI Input ─────────────────────────────────────────────────────
	// Missing fields are prompted for only on an interactive terminal.
	if term.IsTerminal(int(os.Stdin.Fd())) {
		reader := bufio.NewReader(os.Stdin)
		if subject == "" {
			subject = prompt(reader, "Enter Subject ID: ")
		}
		if name == "" {
			name = prompt(reader, "Enter Name (optional): ")
		}
	}
	if subject == "" {
		log.Fatal().Msg("Subject is required")
	}

	token, err := service.NewAuthService(cfg).GenerateToken(tt, subject, name, ttl)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to sign token")
	}

	log.Info().Str("type", tokenType).Str("subject", subject).Msg("Token issued")
	fmt.Println(token)
}

func prompt(reader *bufio.Reader, label string) string {
	fmt.Fprint(os.Stderr, label)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}
