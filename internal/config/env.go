package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

var envFiles = []string{".env", ".env.local"}

// loadEnvFile loads the first readable .env/.env.local file. godotenv never
// overrides variables already present in the process environment.
func loadEnvFile() error {
	for _, p := range envFiles {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("parse %s: %w", p, err)
		}
		return nil
	}
	return errors.New("no .env file found")
}
