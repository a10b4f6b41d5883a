package main

import (
	"bytes"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/spf13/cobra"
)

var ansiRE = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiRE.ReplaceAllString(s, "")
}

// newTestRoot builds a fresh command tree so flag values never leak between tests.
func newTestRoot(cmds ...*cobra.Command) *cobra.Command {
	root := &cobra.Command{Use: "foldersync", SilenceErrors: true, SilenceUsage: true}
	addPersistentFlags(root)
	root.AddCommand(cmds...)
	return root
}

// execute runs args against a fresh tree with a private config file and
// data dir, and returns the combined output.
func execute(t *testing.T, configPath string, cmds []*cobra.Command, args ...string) (string, error) {
	t.Helper()
	t.Setenv("FOLDERSYNC_DATA_DIR", filepath.Join(filepath.Dir(configPath), "data"))

	root := newTestRoot(cmds...)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", configPath}, args...))

	err := root.ExecuteContext(t.Context())
	return stripANSI(out.String()), err
}
