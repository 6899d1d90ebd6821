package alert_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/xraph/herald/alert"
	"github.com/xraph/herald/dlq"
	"github.com/xraph/herald/ext"
	"github.com/xraph/herald/job"
)

func testEntry() *dlq.Entry {
	return &dlq.Entry{
		ID:          "dlq_1",
		JobID:       "job_1",
		Category:    "email-send",
		Error:       "smtp: 550 mailbox unavailable",
		FailureKind: job.FailureExhausted,
		Attempts:    3,
		MaxAttempts: 3,
		Owner:       "user_1",
		FailedAt:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestExtensionForwardsToSink(t *testing.T) {
	var got []alert.DeadLetter
	sink := alert.SinkFunc(func(_ context.Context, a alert.DeadLetter) error {
		got = append(got, a)
		return nil
	})

	reg := ext.NewRegistry(slog.Default())
	reg.Register(alert.NewExtension(sink))
	reg.EmitJobDeadLettered(context.Background(), &job.Record{ID: "job_1"}, testEntry())

	if len(got) != 1 {
		t.Fatalf("alerts = %d, want 1", len(got))
	}
	a := got[0]
	if a.Category != "email-send" || a.JobID != "job_1" || a.Attempts != 3 || a.EntryID != "dlq_1" {
		t.Errorf("alert = %+v", a)
	}
	if a.Error != "smtp: 550 mailbox unavailable" {
		t.Errorf("Error = %q", a.Error)
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := alert.LogSink{Logger: slog.New(slog.NewTextHandler(&buf, nil))}

	if err := sink.Alert(context.Background(), alert.FromEntry(testEntry())); err != nil {
		t.Fatalf("Alert: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"job dead-lettered", "category=email-send", "job_id=job_1", "attempts=3"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}
