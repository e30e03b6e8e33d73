package main

import (
	"strings"
	"testing"
)

func TestDBCmd_Help(t *testing.T) {
	out, err := runCmd(t, "db", "--help")
	if err != nil {
		t.Fatalf("db --help failed: %v", err)
	}
	if !strings.Contains(out, "Database management") {
		t.Errorf("expected help to mention 'Database management', got: %s", out)
	}
	if !strings.Contains(out, "migrate") {
		t.Errorf("expected help to list 'migrate' subcommand, got: %s", out)
	}
}

func TestDBMigrate(t *testing.T) {
	cfg := writeTestConfig(t, "")
	out, err := runCmd(t, "db", "migrate", "--config", cfg)
	if err != nil {
		t.Fatalf("db migrate: %v", err)
	}
	if !strings.Contains(out, "Migrated 3 tables (sqlite)") {
		t.Errorf("output = %q", out)
	}

	// Migrating twice is harmless.
	if _, err := runCmd(t, "db", "migrate", "--config", cfg); err != nil {
		t.Fatalf("second db migrate: %v", err)
	}
}

func TestDBGroups_Empty(t *testing.T) {
	cfg := writeTestConfig(t, "")
	out, err := runCmd(t, "db", "groups", "--config", cfg)
	if err != nil {
		t.Fatalf("db groups: %v", err)
	}
	if !strings.Contains(out, "No session groups.") {
		t.Errorf("output = %q", out)
	}
}

func TestDBMigrate_InvalidConfig(t *testing.T) {
	cfg := writeTestConfig(t, "timeouts:\n  idle: -5s\n")
	if _, err := runCmd(t, "db", "migrate", "--config", cfg); err == nil {
		t.Fatal("expected validation error")
	}
}
