package dispatch

import (
	"os"
	"testing"

	"relay/internal/logs"
)

func TestMain(m *testing.M) {
	logs.Init(logs.Options{Level: "error"})
	os.Exit(m.Run())
}
