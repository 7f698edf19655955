package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"escrowledger/cmd/internal/passphrase"
	"escrowledger/config"
	"escrowledger/crypto"
	"escrowledger/rpc"
)

var keyPassphrase = func(prompt string, confirm bool) (string, error) {
	src := passphrase.NewSource(keyPassEnv, prompt)
	if confirm {
		src = src.WithConfirmation()
	}
	return src.Get()
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	out := fs.String("out", "", "path of the encrypted key file to write")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*out) == "" {
		return printError(stderr, "--out is required")
	}
	pass, err := keyPassphrase("New key passphrase:", true)
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, err.Error())
	}
	if err := crypto.SaveKey(*out, key, pass); err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, key.Address().String())
	return 0
}

func runAddress(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("address", stderr)
	keyPath := fs.String("key", "", "encrypted key file")
	hexForm := fs.Bool("hex", false, "print the 0x hex form")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	key, code := loadKey(*keyPath, stderr)
	if key == nil {
		return code
	}
	if *hexForm {
		fmt.Fprintln(stdout, key.Address().Hex())
	} else {
		fmt.Fprintln(stdout, key.Address().String())
	}
	return 0
}

func runToken(args []string, stdout, stderr io.Writer) int {
	defaults := config.Default()
	fs := newFlagSet("token", stderr)
	subject := fs.String("subject", "", "account the token acts as")
	keyPath := fs.String("key", "", "derive the subject from an encrypted key file")
	secret := fs.String("secret", "", "HMAC secret (defaults to $"+config.EnvJWTSecret+")")
	issuer := fs.String("issuer", defaults.Auth.Issuer, "token issuer")
	audience := fs.String("audience", defaults.Auth.Audience, "token audience")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	operator := fs.Bool("operator", false, "grant the operator scope")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *subject == "" && *keyPath == "" {
		return printError(stderr, "--subject or --key is required")
	}
	if *subject == "" {
		key, code := loadKey(*keyPath, stderr)
		if key == nil {
			return code
		}
		*subject = key.Address().String()
	}
	if *secret == "" {
		*secret = strings.TrimSpace(os.Getenv(config.EnvJWTSecret))
	}
	var scopes []string
	if *operator {
		scopes = append(scopes, rpc.ScopeOperator)
	}
	token, err := rpc.IssueToken(*secret, *issuer, *audience, *subject, scopes, *ttl)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func loadKey(path string, stderr io.Writer) (*crypto.PrivateKey, int) {
	if strings.TrimSpace(path) == "" {
		return nil, printError(stderr, "--key is required")
	}
	pass, err := keyPassphrase("Key passphrase:", false)
	if err != nil {
		return nil, printError(stderr, err.Error())
	}
	key, err := crypto.LoadKey(path, pass)
	if err != nil {
		return nil, printError(stderr, fmt.Sprintf("load key: %v", err))
	}
	return key, 0
}
