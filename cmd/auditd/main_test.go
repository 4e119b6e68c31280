package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRun_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := Run([]string{"auditd", "help"}, &stdout, &stderr)

	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "Usage: auditd")
	assert.Empty(t, stderr.String())
}

func TestRun_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := Run([]string{"auditd", "frobnicate"}, &stdout, &stderr)

	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "Unknown command: frobnicate")
	assert.Contains(t, stderr.String(), "Usage: auditd")
	assert.Empty(t, stdout.String())
}

func TestRun_VerifyRequiresSnapshotFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := Run([]string{"auditd", "verify"}, &stdout, &stderr)

	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "--snapshot is required")
}

func TestRun_ExportRequiresEntityFlags(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := Run([]string{"auditd", "export", "--entity-type", "INVOICE"}, &stdout, &stderr)

	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "--entity-type and --entity-id are required")
}

func TestPrintUsage_ListsEveryCommand(t *testing.T) {
	var buf bytes.Buffer
	printUsage(&buf)

	for _, cmd := range []string{"serve", "check", "verify", "export", "help"} {
		assert.True(t, strings.Contains(buf.String(), cmd), "usage missing %s", cmd)
	}
}
