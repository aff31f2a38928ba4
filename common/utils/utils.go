package utils

import (
	"math/rand"
	"os"
	"sync"
	"time"
)

const (
	runIDBytes  = "abcdefghijklmnopqrstuvwxyz0123456789"
	runIDLength = 8
)

var (
	runIDMu  sync.Mutex
	runIDSrc = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func GetEnv(name string, def string) string {
	val := os.Getenv(name)
	if len(val) > 0 {
		return val
	} else {
		return def
	}
}

// GenerateRunID returns a run id in the backend's format: eight lowercase
// alphanumeric characters. Safe for concurrent use; all ids draw from one
// shared source so ids generated in the same instant stay distinct.
func GenerateRunID() string {
	runIDMu.Lock()
	defer runIDMu.Unlock()
	b := make([]byte, runIDLength)
	for i := range b {
		b[i] = runIDBytes[runIDSrc.Intn(len(runIDBytes))]
	}
	return string(b)
}
