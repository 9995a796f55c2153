package commands

import (
	"fmt"
	"time"

	"github.com/wolfeidau/jobwatch/internal/auth"
)

type TokenCmd struct {
	Subject    string        `help:"Subject identifier" required:""`
	TTL        time.Duration `help:"Token lifetime" default:"1h"`
	SigningKey string        `help:"JWT signing key" required:"" env:"JWT_SIGNING_KEY"`
}

func (t *TokenCmd) Run() error {
	token, err := auth.IssueToken(t.SigningKey, t.Subject, t.TTL)
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}

type KeygenCmd struct {
	Namespace string `arg:"" help:"Namespace the key grants access to"`
	Scope     string `help:"Key scope" default:"read" enum:"read,write"`
	Secret    string `help:"API key signing secret" required:"" env:"JOBWATCH_API_KEY_SECRET"`
}

func (k *KeygenCmd) Run() error {
	signer, err := auth.NewKeySigner(k.Secret)
	if err != nil {
		return err
	}

	key, err := signer.Generate(k.Namespace, auth.Scope(k.Scope))
	if err != nil {
		return err
	}

	fmt.Println(key)
	return nil
}
