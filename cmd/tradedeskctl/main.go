// Command tradedeskctl runs operator tasks against the tradedesk database.
//
//	tradedeskctl migrate
//	tradedeskctl verify-ledger
//	tradedeskctl hash-password <password>
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"lv-tradedesk/internal/db"
	"lv-tradedesk/internal/ledger"
	"lv-tradedesk/internal/logging"
	"lv-tradedesk/internal/store"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	logger := logging.New(os.Getenv("LOG_LEVEL"), true)
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "migrate":
		err = migrate(ctx, logger)
	case "verify-ledger":
		err = verifyLedger(ctx, logger)
	case "hash-password":
		err = hashPassword(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error().Err(err).Str("command", os.Args[1]).Msg("command failed")
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: tradedeskctl migrate | verify-ledger | hash-password <password>")
}

func dsn() (string, error) {
	v := strings.TrimSpace(os.Getenv("DB_DSN"))
	if v == "" {
		return "", errors.New("missing required env: DB_DSN")
	}
	return v, nil
}

func migrate(ctx context.Context, logger zerolog.Logger) error {
	d, err := dsn()
	if err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, d)
	if err != nil {
		return err
	}
	defer pool.Close()
	applied, err := db.Migrate(ctx, pool)
	if err != nil {
		return err
	}
	logger.Info().Strs("applied", applied).Msg("migrations up to date")
	return nil
}

func verifyLedger(ctx context.Context, logger zerolog.Logger) error {
	d, err := dsn()
	if err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, d)
	if err != nil {
		return err
	}
	defer pool.Close()
	n, err := ledger.NewService(store.NewPostgres(pool), logger).VerifyChain(ctx)
	if err != nil {
		return err
	}
	logger.Info().Int("transactions", n).Msg("transaction chain intact")
	return nil
}

func hashPassword(args []string) error {
	if len(args) != 1 || args[0] == "" {
		return errors.New("hash-password needs exactly one argument")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	fmt.Println(string(hash))
	return nil
}
