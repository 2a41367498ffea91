package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/tenantdesk/internal/activity"
	"github.com/memohai/tenantdesk/internal/realtime"
)

func record(t *testing.T, id, msg string) activity.Record {
	t.Helper()
	var meta activity.Metadata
	require.NoError(t, json.Unmarshal([]byte(`{"host":"db-1","load":0.9}`), &meta))
	return activity.Record{
		ID:        id,
		Kind:      activity.KindAlert,
		Message:   msg,
		Metadata:  meta,
		CreatedAt: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		Actor:     activity.Actor{ID: "u-1", DisplayName: "ops"},
	}
}

func TestFormatRecord(t *testing.T) {
	line := formatRecord(record(t, "a1", "disk full"))
	for _, part := range []string{"ALERT", "ops", "disk full", `host="db-1"`, "load=0.9"} {
		assert.Contains(t, line, part)
	}
	assert.Contains(t, formatSystem(realtime.SystemMessage{Message: "maintenance"}), "SYSTEM: maintenance")
	assert.Contains(t, formatStatus(realtime.Status{State: realtime.Joined, Room: "org-1"}), "org-1")
}

func TestPrinterShowsEachRecordOnce(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out)
	p.history(activity.Snapshot{Records: []activity.Record{record(t, "b", "second"), record(t, "a", "first")}, Page: 1})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "first")
	assert.Contains(t, lines[1], "second")

	out.Reset()
	p.update(activity.Snapshot{Records: []activity.Record{record(t, "c", "third"), record(t, "b", "second"), record(t, "a", "first")}})
	assert.Equal(t, 1, strings.Count(out.String(), "\n"))
	assert.Contains(t, out.String(), "third")

	out.Reset()
	p.removed(activity.DeletedEvent{ActivityID: "c"})
	assert.Contains(t, out.String(), "removed c")
}

func TestReadPassword(t *testing.T) {
	t.Setenv("TENANTDESK_PASSWORD", "")
	pw, err := readPassword(strings.NewReader("s3cret\n"), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "s3cret", pw)

	_, err = readPassword(strings.NewReader(""), &bytes.Buffer{})
	assert.Error(t, err)

	t.Setenv("TENANTDESK_PASSWORD", "from-env")
	pw, err = readPassword(strings.NewReader("ignored\n"), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "from-env", pw)
}

func TestFeedRequiresOrganization(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"feed", "--config", "testdata/missing.toml"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "org")
}
