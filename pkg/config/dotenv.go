// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// DefaultEnvFiles are read by LoadEnvFiles when no files are given.
var DefaultEnvFiles = []string{".env.local", ".env"}

// LoadEnvFiles exports the variables of each dotenv file into the process
// environment so CREW_ overrides can live next to the binary. Missing files
// are skipped and variables already set are kept.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = DefaultEnvFiles
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}
