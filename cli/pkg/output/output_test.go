package output

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func captureStdout(f func()) string {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	f()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

func captureStderr(f func()) string {
	old := os.Stderr
	r, w, _ := os.Pipe()
	os.Stderr = w

	f()

	w.Close()
	os.Stderr = old

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

func TestStatusLines(t *testing.T) {
	out := captureStdout(func() {
		Success("Replayed %d dead letters", 3)
		Info("queue %s", "provisioning.events")
		Warn("%d skipped", 1)
	})
	assert.Contains(t, out, "✓ Replayed 3 dead letters")
	assert.Contains(t, out, "queue provisioning.events")
	assert.Contains(t, out, "⚠ 1 skipped")

	errOut := captureStderr(func() { Error("cannot reach %s", "nats") })
	assert.Contains(t, errOut, "✗ cannot reach nats")
}

func TestParseFormat(t *testing.T) {
	for _, s := range []string{"table", "JSON", "yaml"} {
		_, err := ParseFormat(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseFormat("xml")
	assert.Error(t, err)
}

type row struct {
	EventID string `json:"event_id" yaml:"event_id"`
	Queue   string `json:"queue" yaml:"queue"`
}

func TestPrint(t *testing.T) {
	v := []row{{EventID: "evt-1", Queue: "notification.events"}}
	table := func() *Table {
		tb := NewTable("EVENT ID", "QUEUE")
		for _, r := range v {
			tb.AddRow(r.EventID, r.Queue)
		}
		return tb
	}

	jsonOut := captureStdout(func() { require.NoError(t, Print(FormatJSON, v, table)) })
	var fromJSON []row
	require.NoError(t, json.Unmarshal([]byte(jsonOut), &fromJSON))
	assert.Equal(t, v, fromJSON)
	assert.Contains(t, jsonOut, "  \"event_id\"")

	yamlOut := captureStdout(func() { require.NoError(t, Print(FormatYAML, v, table)) })
	var fromYAML []row
	require.NoError(t, yaml.Unmarshal([]byte(yamlOut), &fromYAML))
	assert.Equal(t, v, fromYAML)

	tableOut := captureStdout(func() { require.NoError(t, Print(FormatTable, v, table)) })
	assert.Contains(t, tableOut, "EVENT ID")
	assert.Contains(t, tableOut, "evt-1")
}

func TestTable_Render(t *testing.T) {
	tb := NewTable("Short", "VeryLongHeader")
	tb.AddRow("A", "B")
	tb.AddRow("LongValue", "")
	tb.AddRow("extra", "cells", "dropped")
	assert.Equal(t, 3, tb.Len())

	var buf bytes.Buffer
	tb.render(&buf)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "VeryLongHeader")
	assert.True(t, strings.HasPrefix(lines[1], strings.Repeat("-", len("LongValue"))+"  "))
	assert.True(t, strings.HasPrefix(lines[3], "LongValue  "))
	assert.NotContains(t, lines[4], "dropped")
}
