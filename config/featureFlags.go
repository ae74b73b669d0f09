package config

import (
	"os"
	"strings"
	"time"
)

// Settings are the typed runtime knobs read from the environment.
type Settings struct {
	// StoreDriver selects persistence: "mysql" (default) or "memory".
	StoreDriver string
	// FanoutChunkSize bounds the accounts handled per notification insert.
	FanoutChunkSize int
	// FanoutInline delivers notifications in-request right after commit;
	// when false only the background dispatcher delivers them.
	FanoutInline bool

	DispatcherBatchSize    int
	DispatcherPollInterval time.Duration
	DispatcherMaxAttempts  int
	DispatcherConcurrency  int

	AuthorityPolicyFile string
	// SupervisorCanReject is nil when the env var is unset so the policy file decides.
	SupervisorCanReject *bool
}

func LoadSettings() Settings {
	s := Settings{
		StoreDriver:            strings.ToLower(strings.TrimSpace(os.Getenv("STORE_DRIVER"))),
		FanoutChunkSize:        intFromEnv("FANOUT_CHUNK_SIZE", 500),
		FanoutInline:           !strings.EqualFold(strings.TrimSpace(os.Getenv("FANOUT_MODE")), "background"),
		DispatcherBatchSize:    intFromEnv("DISPATCHER_BATCH_SIZE", 50),
		DispatcherPollInterval: time.Duration(intFromEnv("DISPATCHER_POLL_MS", 500)) * time.Millisecond,
		DispatcherMaxAttempts:  intFromEnv("DISPATCHER_MAX_ATTEMPTS", 20),
		DispatcherConcurrency:  intFromEnv("DISPATCHER_CONCURRENCY", 4),
		AuthorityPolicyFile:    strings.TrimSpace(os.Getenv("AUTHORITY_POLICY_FILE")),
	}
	if s.StoreDriver == "" {
		s.StoreDriver = "mysql"
	}
	if s.FanoutChunkSize <= 0 {
		s.FanoutChunkSize = 500
	}
	if raw, ok := os.LookupEnv("SUPERVISOR_CAN_REJECT"); ok && strings.TrimSpace(raw) != "" {
		v := boolFromString(raw)
		s.SupervisorCanReject = &v
	}
	return s
}

func boolFromString(raw string) bool {
	v := strings.ToLower(strings.TrimSpace(raw))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// SkipMigrations mirrors SKIP_MIGRATIONS=true.
func SkipMigrations() bool {
	return boolFromString(os.Getenv("SKIP_MIGRATIONS"))
}
