package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/oauth-core/storage"
)

// seedFile lists clients and users created at startup. Secrets and passwords
// are given in plain text and hashed before they are stored.
type seedFile struct {
	Clients []seedClient `yaml:"clients"`
	Users   []seedUser   `yaml:"users"`
}

type seedClient struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	Secret     string   `yaml:"secret"`
	Scopes     []string `yaml:"scopes"`
	GrantTypes []string `yaml:"grant_types"`
}

type seedUser struct {
	ID       string `yaml:"id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

func loadSeed(path string) (*seedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file %q: %w", path, err)
	}
	if err := seed.validate(); err != nil {
		return nil, fmt.Errorf("seed file %q: %w", path, err)
	}
	return &seed, nil
}

func (s *seedFile) validate() error {
	var errs []error
	for i, c := range s.Clients {
		if c.Secret == "" {
			errs = append(errs, fmt.Errorf("clients[%d]: secret is required", i))
		}
		for _, gt := range c.GrantTypes {
			switch gt {
			case storage.GrantTypePassword, storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken:
			default:
				errs = append(errs, fmt.Errorf("clients[%d]: unknown grant type %q", i, gt))
			}
		}
	}
	for i, u := range s.Users {
		if u.Username == "" || u.Password == "" {
			errs = append(errs, fmt.Errorf("users[%d]: username and password are required", i))
		}
	}
	return errors.Join(errs...)
}

// apply writes every client and user to the stores. Entries without an id get
// a random UUID, which is logged so the operator can find the client.
func (s *seedFile) apply(ctx context.Context, clients storage.ClientStore, users storage.UserStore, logger *slog.Logger) error {
	now := time.Now()

	for _, c := range s.Clients {
		hash, err := storage.HashSecret(c.Secret)
		if err != nil {
			return fmt.Errorf("hash secret of client %q: %w", c.ID, err)
		}
		id := c.ID
		if id == "" {
			id = uuid.NewString()
		}
		client := &storage.Client{
			ClientID:          id,
			ClientSecretHash:  hash,
			ClientName:        c.Name,
			AllowedScopes:     c.Scopes,
			AllowedGrantTypes: c.GrantTypes,
			CreatedAt:         now,
		}
		if err := clients.SaveClient(ctx, client); err != nil {
			return fmt.Errorf("save client %q: %w", id, err)
		}
		logger.Info("Seeded client", "client_id", id, "scopes", c.Scopes, "grant_types", c.GrantTypes)
	}

	for _, u := range s.Users {
		hash, err := storage.HashSecret(u.Password)
		if err != nil {
			return fmt.Errorf("hash password of user %q: %w", u.Username, err)
		}
		id := u.ID
		if id == "" {
			id = uuid.NewString()
		}
		user := &storage.User{
			ID:           id,
			Username:     u.Username,
			PasswordHash: hash,
			CreatedAt:    now,
		}
		if err := users.SaveUser(ctx, user); err != nil {
			return fmt.Errorf("save user %q: %w", u.Username, err)
		}
		logger.Info("Seeded user", "username", u.Username, "user_id", id)
	}
	return nil
}
