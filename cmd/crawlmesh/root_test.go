package main

import "testing"

func TestRootCmd_RegistersExpectedSubcommands(t *testing.T) {
	want := map[string]bool{"run": false, "seed": false, "stats": false, "version": false}

	for _, cmd := range rootCmd.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}

	for name, found := range want {
		if !found {
			t.Errorf("rootCmd missing subcommand %q", name)
		}
	}
}

func TestRunCommand_HasRunE(t *testing.T) {
	cmd := runCommand()
	if cmd.Use != "run" {
		t.Errorf("Use = %q, want %q", cmd.Use, "run")
	}
	if cmd.RunE == nil {
		t.Error("RunE should be set")
	}
}

func TestSeedCommand_HasRunE(t *testing.T) {
	cmd := seedCommand()
	if cmd.Name() != "seed" {
		t.Errorf("Name() = %q, want %q", cmd.Name(), "seed")
	}
	if cmd.RunE == nil {
		t.Error("RunE should be set")
	}
}

func TestStatsCommand_HasRunE(t *testing.T) {
	cmd := statsCommand()
	if cmd.Use != "stats" {
		t.Errorf("Use = %q, want %q", cmd.Use, "stats")
	}
	if cmd.RunE == nil {
		t.Error("RunE should be set")
	}
}
