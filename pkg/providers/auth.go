package providers

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/smallbets/smallbot/pkg/config"
)

// KeySource resolves the API key at request time.
type KeySource func(ctx context.Context) (string, error)

// StaticKey serves a configured key. origin names the setting in errors.
func StaticKey(key, origin string) KeySource {
	key = strings.TrimSpace(key)
	if origin = strings.TrimSpace(origin); origin == "" {
		origin = "static"
	}
	return func(context.Context) (string, error) {
		switch {
		case key == "":
			return "", fmt.Errorf("api key from %s is empty", origin)
		case isPlaceholder(key):
			return "", fmt.Errorf("api key from %s is a placeholder", origin)
		}
		return key, nil
	}
}

// FileKey reads the key from path on every call, so a rotated key is picked
// up without a restart.
func FileKey(path string) KeySource {
	path = config.ExpandHome(strings.TrimSpace(path))
	return func(context.Context) (string, error) {
		if path == "" {
			return "", fmt.Errorf("api key file path is empty")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read api key file: %w", err)
		}
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", fmt.Errorf("api key file %s is empty", path)
		}
		return key, nil
	}
}

// "<OPENAI_API_KEY>" and "${OPENAI_API_KEY}" are left in config files by
// copy-paste more often than real keys that happen to look like them.
func isPlaceholder(key string) bool {
	return (strings.HasPrefix(key, "<") && strings.HasSuffix(key, ">")) ||
		(strings.HasPrefix(key, "${") && strings.HasSuffix(key, "}"))
}

// AuthStrategy decorates an outgoing provider request.
type AuthStrategy interface {
	Apply(ctx context.Context, req *http.Request) error
}

type bearerAuth struct {
	key KeySource
}

func NewBearerAuth(key KeySource) AuthStrategy {
	return bearerAuth{key: key}
}

func (a bearerAuth) Apply(ctx context.Context, req *http.Request) error {
	if a.key == nil {
		return fmt.Errorf("no api key source configured")
	}
	key, err := a.key(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+key)
	return nil
}
