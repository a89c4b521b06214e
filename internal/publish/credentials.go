// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

package publish

import (
	"fmt"
	"log/slog"
	"os"
)

const (
	DefaultUsernameEnv = "GITHUB_USERNAME"
	DefaultPasswordEnv = "GITHUB_TOKEN"
)

const redacted = "[REDACTED]"

// A credential pair read from the environment at publish time
//
// The secret never leaves through formatting or logging.
type Credentials struct {
	Username string
	secret   string
}

// Read a credential pair from the named environment variables
func CredentialsFromEnv(usernameEnv string, passwordEnv string) Credentials {
	if usernameEnv == "" {
		usernameEnv = DefaultUsernameEnv
	}
	if passwordEnv == "" {
		passwordEnv = DefaultPasswordEnv
	}
	return Credentials{Username: os.Getenv(usernameEnv), secret: os.Getenv(passwordEnv)}
}

func NewCredentials(username string, secret string) Credentials {
	return Credentials{Username: username, secret: secret}
}

func (c Credentials) Secret() string {
	return c.secret
}

func (c Credentials) Empty() bool {
	return c.Username == "" && c.secret == ""
}

func (c Credentials) String() string {
	if c.secret == "" {
		return fmt.Sprintf("%v:", c.Username)
	}
	return fmt.Sprintf("%v:%v", c.Username, redacted)
}

func (c Credentials) GoString() string {
	return "publish.Credentials{" + c.String() + "}"
}

func (c Credentials) Format(f fmt.State, verb rune) {
	switch verb {
	case 'v':
		if f.Flag('#') {
			fmt.Fprint(f, c.GoString())
			return
		}
		fmt.Fprint(f, c.String())
	default:
		fmt.Fprint(f, c.String())
	}
}

func (c Credentials) LogValue() slog.Value {
	return slog.StringValue(c.String())
}
