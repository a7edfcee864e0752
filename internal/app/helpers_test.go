package app

import (
	"testing"

	"schedd/internal/config"
)

func mustDecode(t *testing.T, data string) *config.Config {
	t.Helper()
	cfg, err := config.Decode("test.json", []byte(data))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}
