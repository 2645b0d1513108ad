package main

import "testing"

func TestParseFlagsAppliesDefaults(t *testing.T) {
	cfg, err := parseFlags([]string{"-port", "/dev/ttyUSB0"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.baud != 115200 {
		t.Fatalf("expected default baud 115200, got %d", cfg.baud)
	}
	if cfg.logLevel != "info" {
		t.Fatalf("expected default log level info, got %s", cfg.logLevel)
	}
}

func TestParseFlagsRejectsInvalidLogLevel(t *testing.T) {
	_, err := parseFlags([]string{"-port", "/dev/ttyUSB0", "-log.level", "verbose"})
	if err == nil {
		t.Fatal("expected an error for an invalid log level")
	}
}

func TestParseFlagsRejectsZeroBaud(t *testing.T) {
	_, err := parseFlags([]string{"-port", "/dev/ttyUSB0", "-baud", "0"})
	if err == nil {
		t.Fatal("expected an error for a zero baud rate")
	}
}

func TestParseFlagsVersionBypassesOtherValidation(t *testing.T) {
	cfg, err := parseFlags([]string{"-version"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if !cfg.showVersion {
		t.Fatal("expected showVersion to be true")
	}
}
