// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

package util

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

const DOTENV_FILE = ".env"

// Load the workspace .env file into the process environment
//
// Variables already set in the environment are left untouched, and a missing
// file is not an error.
func LoadDotEnv(dir string) error {
	file := filepath.Join(dir, DOTENV_FILE)
	if _, err := os.Stat(file); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(file)
}
