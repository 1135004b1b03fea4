package compliance_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/plnamente/blue-taurus/internal/compliance"
)

const samplePolicy = `
id: cis-linux-basic
name: CIS Linux Basic
description: Minimal hardening checks
rules:
  - id: 1
    title: SSH root login disabled
    command: grep -i '^PermitRootLogin' /etc/ssh/sshd_config
    expect: "no"
    remediation: Set PermitRootLogin no
  - id: 2
    title: Firewall active
    description: ufw must be enabled
    command: ufw status
    expect: "Status: active"
    match: regex
`

func TestParsePolicy(t *testing.T) {
	p, err := compliance.ParsePolicy([]byte(samplePolicy))
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	if p.ID != "cis-linux-basic" {
		t.Errorf("ID = %q", p.ID)
	}
	if len(p.Rules) != 2 {
		t.Fatalf("got %d rules, want 2", len(p.Rules))
	}
	if p.Rules[0].Expect != "no" || p.Rules[0].Remediation == "" {
		t.Errorf("rule 1 = %+v", p.Rules[0])
	}
	if p.Rules[1].Description != "ufw must be enabled" || p.Rules[1].Match != "regex" {
		t.Errorf("rule 2 = %+v", p.Rules[1])
	}
}

func TestParsePolicyInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"malformed yaml", "id: [unterminated"},
		{"missing id", "name: x\nrules: []"},
		{"duplicate rule", "id: p\nrules:\n  - {id: 1, command: a}\n  - {id: 1, command: b}"},
		{"empty command", "id: p\nrules:\n  - {id: 3, title: t}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compliance.ParsePolicy([]byte(tt.doc))
			var ple *compliance.PolicyLoadError
			if !errors.As(err, &ple) {
				t.Fatalf("err = %v, want PolicyLoadError", err)
			}
		})
	}
}

func TestParsePolicyEmptyRules(t *testing.T) {
	p, err := compliance.ParsePolicy([]byte("id: empty\nrules: []"))
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	if len(p.Rules) != 0 {
		t.Errorf("got %d rules", len(p.Rules))
	}
}

func TestLoadPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(samplePolicy), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := compliance.LoadPolicy(path); err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}

	_, err := compliance.LoadPolicy(filepath.Join(dir, "missing.yaml"))
	var ple *compliance.PolicyLoadError
	if !errors.As(err, &ple) {
		t.Fatalf("missing file err = %v, want PolicyLoadError", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file should unwrap to os.ErrNotExist: %v", err)
	}
	if ple.Path == "" {
		t.Error("PolicyLoadError.Path not set")
	}
}
